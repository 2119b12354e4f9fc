package models

import "github.com/google/uuid"

// assignID gives a new row a time-ordered v7 id unless the caller chose one.
func assignID(id *uuid.UUID) error {
	if *id != uuid.Nil {
		return nil
	}
	v7, err := uuid.NewV7()
	if err != nil {
		return err
	}
	*id = v7
	return nil
}
