package repository

import "math/rand"

// adjectives and nouns back the friendly per-conversation participant name
// (e.g. "Quiet Falcon") assigned at creation. There is no ecosystem
// name-generator library anywhere in the retrieved examples, so this is a
// small closed word list rather than a dependency.
var adjectives = []string{"Quiet", "Swift", "Brave", "Calm", "Bright", "Steady", "Keen", "Bold"}
var nouns = []string{"Falcon", "River", "Maple", "Harbor", "Comet", "Meadow", "Lantern", "Otter"}

func generateParticipantName(r *rand.Rand) string {
	return adjectives[r.Intn(len(adjectives))] + " " + nouns[r.Intn(len(nouns))]
}
