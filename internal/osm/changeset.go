// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package osm

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"log/slog"
	"strconv"
	"strings"

	"github.com/maproulette/maproulette-backend/internal/apierror"
	"github.com/maproulette/maproulette-backend/internal/models"
)

// Cooperative work document shape carried on a task.
type cooperativeWork struct {
	Meta struct {
		Version int `json:"version"`
		Type    int `json:"type"`
	} `json:"meta"`
	Operations []cooperativeOperation `json:"operations"`
}

type cooperativeOperation struct {
	OperationType string `json:"operationType"`
	Data          struct {
		ID         string             `json:"id"`
		Operations []elementOperation `json:"operations"`
	} `json:"data"`
}

type elementOperation struct {
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data"`
}

// Submitter drives the cooperative work pipeline: fetch current elements,
// conflate the tag changes, and open/upload/close a changeset.
type Submitter struct {
	cfg    ClientConfig
	logger *slog.Logger
	// newClient is swapped in tests.
	newClient func(ctx context.Context, token string) changesetAPI
}

type changesetAPI interface {
	FetchElements(ctx context.Context, refs []ElementRef) (map[string]*Element, error)
	OpenChangeset(ctx context.Context, comment, source string) (int64, error)
	UploadChanges(ctx context.Context, changesetID int64, change *osmChange) error
	CloseChangeset(ctx context.Context, changesetID int64) error
	ForgetElements(refs []ElementRef)
}

// NewSubmitter creates the pipeline against the configured OSM API.
func NewSubmitter(cfg ClientConfig, logger *slog.Logger) *Submitter {
	s := &Submitter{cfg: cfg, logger: logger.With("component", "osm")}
	s.newClient = func(ctx context.Context, token string) changesetAPI {
		return NewClient(ctx, cfg, token, logger)
	}
	return s
}

// SubmitCooperativeWork applies the task's pre-computed edits to OSM and
// returns the changeset id. Tag edits already present upstream are skipped,
// so resubmission is idempotent; when every edit is already applied no
// changeset is opened and 0 is returned. Created nodes have no upstream
// counterpart to conflate against and are always uploaded.
func (s *Submitter) SubmitCooperativeWork(ctx context.Context, user *models.User, task *models.Task, comment string) (int64, error) {
	if user.OSMToken == "" {
		return 0, apierror.New(apierror.KindNotAuthorized, "user has no osm credentials")
	}
	var work cooperativeWork
	if err := json.Unmarshal(task.CooperativeWork, &work); err != nil {
		return 0, apierror.Wrap(apierror.KindInvalid, err, "malformed cooperative work on task %d", task.ID)
	}
	if len(work.Operations) == 0 {
		return 0, nil
	}

	var modifyOps, createOps []cooperativeOperation
	for _, op := range work.Operations {
		switch op.OperationType {
		case "", "modifyElement":
			modifyOps = append(modifyOps, op)
		case "createElement":
			createOps = append(createOps, op)
		default:
			return 0, apierror.New(apierror.KindInvalid, "unsupported cooperative operation %q", op.OperationType)
		}
	}

	refs := make([]ElementRef, 0, len(modifyOps))
	for _, op := range modifyOps {
		ref, err := ParseElementRef(op.Data.ID)
		if err != nil {
			return 0, err
		}
		refs = append(refs, ref)
	}
	created := make([]Element, 0, len(createOps))
	for _, op := range createOps {
		el, err := buildCreatedElement(op.Data.ID, op.Data.Operations)
		if err != nil {
			return 0, err
		}
		created = append(created, el)
	}

	client := s.newClient(ctx, user.OSMToken)
	var elements map[string]*Element
	if len(refs) > 0 {
		var err error
		elements, err = client.FetchElements(ctx, refs)
		if err != nil {
			return 0, err
		}
	}

	modified := make([]Element, 0, len(refs))
	for _, op := range modifyOps {
		el := elements[op.Data.ID]
		if el == nil {
			return 0, apierror.New(apierror.KindNotFound, "osm element %s not found", op.Data.ID)
		}
		changed, err := conflate(el, op.Data.Operations)
		if err != nil {
			return 0, err
		}
		if changed {
			modified = append(modified, *el)
		}
	}
	if len(modified) == 0 && len(created) == 0 {
		s.logger.Info("cooperative work already applied upstream", "task", task.ID)
		return 0, nil
	}

	changesetID, err := client.OpenChangeset(ctx, comment, "MapRoulette")
	if err != nil {
		return 0, err
	}
	for i := range modified {
		modified[i].Changeset = changesetID
	}
	for i := range created {
		created[i].Changeset = changesetID
	}

	change := &osmChange{Version: "0.6", Creator: "MapRoulette"}
	if len(created) > 0 {
		change.Create = &changeBlock{Elements: created}
	}
	if len(modified) > 0 {
		change.Modify = &changeBlock{Elements: modified}
	}

	uploadErr := client.UploadChanges(ctx, changesetID, change)
	// The changeset closes on both paths so no dangling changesets accumulate.
	if closeErr := client.CloseChangeset(ctx, changesetID); closeErr != nil {
		s.logger.Warn("failed to close changeset", "changeset", changesetID, "error", closeErr)
	}
	if uploadErr != nil {
		return 0, uploadErr
	}
	client.ForgetElements(refs)
	return changesetID, nil
}

// buildCreatedElement assembles a new node from a createElement operation.
// The id must be a negative "node/-N" placeholder; OSM assigns real ids on
// upload. Only nodes can be created cooperatively, ways and relations would
// need member placeholders the work format does not carry.
func buildCreatedElement(ref string, ops []elementOperation) (Element, error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || ElementType(parts[0]) != ElementNode {
		return Element{}, apierror.New(apierror.KindInvalid, "cooperative creates support nodes only, got %q", ref)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id >= 0 {
		return Element{}, apierror.New(apierror.KindInvalid, "created element %q needs a negative placeholder id", ref)
	}

	el := Element{XMLName: xml.Name{Local: string(ElementNode)}, ID: id}
	for _, op := range ops {
		switch op.Operation {
		case "setFields":
			var fields struct {
				Lat *float64 `json:"lat"`
				Lon *float64 `json:"lon"`
			}
			if err := json.Unmarshal(op.Data, &fields); err != nil {
				return Element{}, apierror.Wrap(apierror.KindInvalid, err, "malformed setFields payload")
			}
			if fields.Lat != nil {
				el.Lat = fields.Lat
			}
			if fields.Lon != nil {
				el.Lon = fields.Lon
			}
		case "setTags":
			var tags map[string]string
			if err := json.Unmarshal(op.Data, &tags); err != nil {
				return Element{}, apierror.Wrap(apierror.KindInvalid, err, "malformed setTags payload")
			}
			for key, value := range tags {
				el.SetTag(key, value)
			}
		default:
			return Element{}, apierror.New(apierror.KindInvalid, "unsupported create operation %q", op.Operation)
		}
	}
	if el.Lat == nil || el.Lon == nil {
		return Element{}, apierror.New(apierror.KindInvalid, "created node %s needs lat and lon", ref)
	}
	return el, nil
}

// conflate applies the tag operations to the element, reporting whether any
// actually changed it. Operations whose outcome is already in place are
// skipped.
func conflate(el *Element, ops []elementOperation) (bool, error) {
	changed := false
	for _, op := range ops {
		switch op.Operation {
		case "setTags":
			var tags map[string]string
			if err := json.Unmarshal(op.Data, &tags); err != nil {
				return false, apierror.Wrap(apierror.KindInvalid, err, "malformed setTags payload")
			}
			for key, value := range tags {
				if current, ok := el.TagValue(key); ok && current == value {
					continue
				}
				el.SetTag(key, value)
				changed = true
			}
		case "unsetTags":
			var keys []string
			if err := json.Unmarshal(op.Data, &keys); err != nil {
				return false, apierror.Wrap(apierror.KindInvalid, err, "malformed unsetTags payload")
			}
			for _, key := range keys {
				if _, ok := el.TagValue(key); !ok {
					continue
				}
				el.RemoveTag(key)
				changed = true
			}
		default:
			return false, apierror.New(apierror.KindInvalid, "unsupported element operation %q", op.Operation)
		}
	}
	return changed, nil
}
