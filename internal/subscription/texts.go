package subscription

import "strings"

// Texts are the user-facing replies. Empty fields fall back to defaults.
type Texts struct {
	Start          string
	Stop           string
	Scold          string
	Awake          string
	Asleep         string
	APIFailure     string
	StorageFailure string
	StatusActive   string
	StatusInactive string
	StatusWaiting  string
}

func DefaultTexts() Texts {
	return Texts{
		Start:          "I'm spying on Lukas :3",
		Stop:           "Stopped spying on Lukas :(",
		Scold:          "Halt die Fresse Lukas >:S",
		Awake:          "JA",
		Asleep:         "NEIN",
		APIFailure:     "Jo. Die Api ist im Sack.",
		StorageFailure: "Da ist was schiefgelaufen, versuch's nochmal.",
		StatusActive:   "Ich spioniere für dich.",
		StatusInactive: "Ich spioniere gerade nicht für dich. /start zum Einschalten.",
		StatusWaiting:  "Ich sag Bescheid, sobald Lukas wach ist.",
	}
}

func (t Texts) withDefaults() Texts {
	d := DefaultTexts()
	fill := func(dst *string, def string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = def
		}
	}
	fill(&t.Start, d.Start)
	fill(&t.Stop, d.Stop)
	fill(&t.Scold, d.Scold)
	fill(&t.Awake, d.Awake)
	fill(&t.Asleep, d.Asleep)
	fill(&t.APIFailure, d.APIFailure)
	fill(&t.StorageFailure, d.StorageFailure)
	fill(&t.StatusActive, d.StatusActive)
	fill(&t.StatusInactive, d.StatusInactive)
	fill(&t.StatusWaiting, d.StatusWaiting)
	return t
}
