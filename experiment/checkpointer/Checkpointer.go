// Package checkpointer implements periodic saving of serializable
// objects during training.
package checkpointer

import (
	"encoding/gob"
	"fmt"
	"os"
)

// Serializable is an object that can be saved/serialized
type Serializable interface {
	gob.GobEncoder
	gob.GobDecoder
}

// Checkpointer checkpoints/saves serializable objects based on the
// training epoch
type Checkpointer interface {
	Checkpoint(epoch int) error
}

// Save serializes object to the named file
func Save(filename string, object Serializable) error {
	data, err := object.GobEncode()
	if err != nil {
		return fmt.Errorf("save: could not serialize object: %v", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("save: could not write file: %v", err)
	}
	return nil
}

// Load restores object from the named file
func Load(filename string, object Serializable) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("load: could not read file: %v", err)
	}
	if err := object.GobDecode(data); err != nil {
		return fmt.Errorf("load: could not deserialize object: %v", err)
	}
	return nil
}

// nEpoch implements checkpointing every N epochs
type nEpoch struct {
	interval int
	object   Serializable

	// filename returns the string filename of the file to save the
	// object in.
	//
	// If each serialized object should be saved in a separate file with
	// each file having an incremented number as a suffix (e.g.
	// file1.bin, file2.bin, ..., fileK.bin), then simply use the
	// static function FilenameEnumerator, which will return a function
	// that will enumerate filenames.
	//
	// Otherwise, if each serialized object should be saved in a
	// separate file, but the filename does not matter, use the
	// static function FileTimer to generate the required naming
	// function. For example:
	//
	// n := NewNEpoch(10, object, FileTimer("filename", ".bin"))
	filename func() string
}

// NewNEpoch returns a checkpointer that checkpoints every n epochs.
func NewNEpoch(n int, object Serializable,
	filename func() string) Checkpointer {
	return &nEpoch{
		interval: n,
		object:   object,
		filename: filename,
	}
}

// Checkpoint saves the Checkpointer's tracked object if the epoch
// falls on the checkpointing interval
func (n *nEpoch) Checkpoint(epoch int) error {
	if epoch%n.interval == 0 {
		return Save(n.filename(), n.object)
	}
	return nil
}
