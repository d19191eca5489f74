package main

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"consecutive/internal/core/apperror"
	"consecutive/internal/domain/sequence"
	"consecutive/pkg/logger"
)

// File is the seed document.
type File struct {
	Sequences []SequenceSeed `yaml:"sequences"`
}

// SequenceSeed declares one sequence and its assignments.
type SequenceSeed struct {
	Name         string                `yaml:"name"`
	Description  string                `yaml:"description"`
	IncrementBy  int64                 `yaml:"incrementBy"`
	InitialValue int64                 `yaml:"initialValue"`
	MinValue     int64                 `yaml:"minValue"`
	MaxValue     int64                 `yaml:"maxValue"`
	Prefix       string                `yaml:"prefix"`
	Suffix       string                `yaml:"suffix"`
	PadLength    int                   `yaml:"padLength"`
	PadChar      string                `yaml:"padChar"`
	Pattern      string                `yaml:"pattern"`
	FormatRules  []sequence.FormatRule `yaml:"formatRules"`
	Segmentation sequence.Segmentation `yaml:"segmentation"`
	Assignments  []AssignmentSeed      `yaml:"assignments"`
}

// AssignmentSeed grants an entity access to the enclosing sequence.
type AssignmentSeed struct {
	EntityType  string               `yaml:"entityType"`
	EntityID    string               `yaml:"entityId"`
	Permissions sequence.Permissions `yaml:"permissions"`
	Limits      sequence.Limits      `yaml:"limits"`
}

func (s SequenceSeed) definition() *sequence.Definition {
	return &sequence.Definition{
		Name:         s.Name,
		Description:  s.Description,
		IncrementBy:  s.IncrementBy,
		InitialValue: s.InitialValue,
		MinValue:     s.MinValue,
		MaxValue:     s.MaxValue,
		Prefix:       s.Prefix,
		Suffix:       s.Suffix,
		PadLength:    s.PadLength,
		PadChar:      s.PadChar,
		Pattern:      s.Pattern,
		FormatRules:  s.FormatRules,
		Segmentation: s.Segmentation,
	}
}

// Parse decodes a seed document, rejecting unknown keys.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	return &f, nil
}

// Result counts what Apply did.
type Result struct {
	Created     int
	Skipped     int
	Assignments int
}

var seedActor = sequence.Actor{ID: "seed", Name: "seed", Admin: true}

// Apply creates the declared sequences. Sequences whose name already exists are
// left untouched, so seeding is repeatable.
func Apply(ctx context.Context, svc *sequence.Service, f *File) (Result, error) {
	var res Result
	for _, s := range f.Sequences {
		if _, err := svc.GetSequenceByName(ctx, s.Name); err == nil {
			logger.Info(ctx, "sequence exists, skipping", "name", s.Name)
			res.Skipped++
			continue
		} else if !apperror.IsNotFound(err) {
			return res, err
		}

		def, err := svc.CreateSequence(ctx, s.definition(), seedActor)
		if err != nil {
			return res, fmt.Errorf("create %q: %w", s.Name, err)
		}
		res.Created++

		for _, a := range s.Assignments {
			if _, err := svc.AssignToEntity(ctx, def.ID, a.EntityType, a.EntityID, a.Permissions, a.Limits, seedActor); err != nil {
				return res, fmt.Errorf("assign %s:%s to %q: %w", a.EntityType, a.EntityID, s.Name, err)
			}
			res.Assignments++
		}
		logger.Info(ctx, "sequence seeded", "name", s.Name, "id", def.ID, "assignments", len(s.Assignments))
	}
	return res, nil
}
