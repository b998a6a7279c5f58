package conversation

import (
	"fmt"
	"strings"

	"github.com/gosuda/datapr/internal/domain"
)

const (
	rephrasePrompt        = "I'm having trouble understanding. Could you please rephrase that?"
	transientErrorMessage = "Sorry, I encountered an error while creating your request. Please try again."
)

// slotCues are the per-slot follow-up questions, keyed by required slot name.
var slotCues = map[string]string{
	domain.SlotDatasetName:    "What would you like to name this dataset?",
	domain.SlotLocation:       "Which GCP region should the dataset be located in? (e.g. us-central1, EU, asia-northeast1)",
	domain.SlotLabels:         "What labels would you like to add? Please provide them as 'key:value' pairs (e.g. env:prod, team:marketing)",
	domain.SlotServiceAccount: "Which service account should own this dataset? Please provide the full email address.",
}

// followUpPrompt builds the assistant reply while slots are still missing:
// a summary of what has been collected so far, then one cue per missing
// slot, in required-slot order.
func followUpPrompt(fields map[string]string, missing []string) string {
	var b strings.Builder

	collected := collectedSlots(fields)
	if len(collected) > 0 {
		b.WriteString("Great! I've collected:\n")
		for _, slot := range collected {
			fmt.Fprintf(&b, "- %s: %s\n", slot, fields[slot])
		}
		b.WriteString("\n")
	} else {
		b.WriteString("I can help you create a BigQuery dataset! ")
	}

	if len(missing) == 1 {
		fmt.Fprintf(&b, "I still need one more thing: %s", cueFor(missing[0]))
		return b.String()
	}

	b.WriteString("I still need the following information:\n")
	for _, slot := range missing {
		fmt.Fprintf(&b, "- %s\n", cueFor(slot))
	}
	return strings.TrimRight(b.String(), "\n")
}

func cueFor(slot string) string {
	if cue, ok := slotCues[slot]; ok {
		return cue
	}
	return "the " + slot
}

// collectedSlots returns the filled required slots in required-slot order.
func collectedSlots(fields map[string]string) []string {
	var collected []string
	for _, slot := range domain.RequiredSlots() {
		if fields[slot] != "" {
			collected = append(collected, slot)
		}
	}
	return collected
}

func completionMessage(datasetName, requestID string) string {
	return fmt.Sprintf(
		"Perfect! I have all the information I need.\n\n"+
			"Creating a pull request for dataset %q...\n\n"+
			"Request ID: %s\n\n"+
			"I'll update you once the pull request is ready.",
		datasetName, requestID,
	)
}

func inFlightMessage(requestID string) string {
	return fmt.Sprintf(
		"Your previous request (%s) is still being processed. I'll be ready for a new dataset once it finishes.",
		requestID,
	)
}
