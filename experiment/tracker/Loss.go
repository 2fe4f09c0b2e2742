package tracker

import (
	"encoding/gob"
	"fmt"
	"log"
	"os"

	"github.com/samuelfneumann/goact/policy"
)

// Component selects which term of the training loss a Loss tracker
// records
type Component string

// Available loss components
const (
	Total  Component = "Total"
	Action Component = "Action"
	Pad    Component = "Pad"
	KL     Component = "KL"
)

// Loss tracks one component of the per-epoch training loss and saves
// the series to disk when the experiment finishes.
type Loss struct {
	component Component
	losses    []float64
	filename  string
}

// NewLoss creates and returns a new *Loss Tracker
func NewLoss(component Component, filename string) Tracker {
	return &Loss{
		component: component,
		filename:  filename,
	}
}

// Track records the selected component of the epoch's losses
func (l *Loss) Track(epoch int, losses policy.Losses) {
	switch l.component {
	case Total:
		l.losses = append(l.losses, losses.Total)
	case Action:
		l.losses = append(l.losses, losses.Action)
	case Pad:
		l.losses = append(l.losses, losses.Pad)
	case KL:
		l.losses = append(l.losses, losses.KL)
	default:
		panic(fmt.Sprintf("track: unknown loss component %v", l.component))
	}
}

// Save saves the data tracked by the Loss Tracker to disk.
func (l *Loss) Save() {
	file, err := os.Create(l.filename)
	if err != nil {
		log.Fatalf("could not open save file: %v", err)
	}
	defer file.Close()

	en := gob.NewEncoder(file)
	if err = en.Encode(l.losses); err != nil {
		log.Fatalf("could not encode loss data: %v", err)
	}
}
