// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package osm

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/maproulette/maproulette-backend/internal/apierror"
	"github.com/maproulette/maproulette-backend/internal/models"
)

// TagChange is one caller-requested tag edit against a live OSM element.
type TagChange struct {
	OSMID   int64             `json:"osmId"`
	OSMType ElementType       `json:"osmType"`
	Updates map[string]string `json:"updates"`
	Deletes []string          `json:"deletes"`
	Version int               `json:"version,omitempty"`
}

func (c TagChange) ref() (ElementRef, error) {
	return ParseElementRef(fmt.Sprintf("%s/%d", c.OSMType, c.OSMID))
}

// TagUpdate reports an effective value change in a preview.
type TagUpdate struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TagChangeDelta is the preview of one TagChange against the current element.
// Edits already in place upstream do not appear.
type TagChangeDelta struct {
	OSMID   int64                `json:"osmId"`
	OSMType ElementType          `json:"osmType"`
	Creates map[string]string    `json:"creates,omitempty"`
	Updates map[string]TagUpdate `json:"updates,omitempty"`
	Deletes []string             `json:"deletes,omitempty"`
}

// IsNoop reports whether the delta changes nothing.
func (d *TagChangeDelta) IsNoop() bool {
	return len(d.Creates) == 0 && len(d.Updates) == 0 && len(d.Deletes) == 0
}

// PreviewTagChanges conflates the requested edits against the live elements
// without opening a changeset.
func (s *Submitter) PreviewTagChanges(ctx context.Context, user *models.User, changes []TagChange) ([]TagChangeDelta, error) {
	if user.OSMToken == "" {
		return nil, apierror.New(apierror.KindNotAuthorized, "user has no osm credentials")
	}
	elements, refs, _, err := s.fetchFor(ctx, user, changes)
	if err != nil {
		return nil, err
	}
	deltas := make([]TagChangeDelta, 0, len(changes))
	for i, change := range changes {
		el := elements[refs[i].String()]
		if el == nil {
			return nil, apierror.New(apierror.KindNotFound, "osm element %s not found", refs[i])
		}
		deltas = append(deltas, diff(el, change))
	}
	return deltas, nil
}

// PreviewOSMChange renders the requested edits as the osmChange XML that a
// submission would upload.
func (s *Submitter) PreviewOSMChange(ctx context.Context, user *models.User, changes []TagChange) ([]byte, error) {
	modified, _, err := s.conflateAll(ctx, user, changes)
	if err != nil {
		return nil, err
	}
	change := &osmChange{Version: "0.6", Creator: "MapRoulette"}
	if len(modified) > 0 {
		change.Modify = &changeBlock{Elements: modified}
	}
	return xml.MarshalIndent(change, "", "  ")
}

// SubmitTagChanges applies the edits through a fresh changeset and returns
// the uploaded osmChange XML together with the changeset id. When every edit
// is already in place no changeset is opened and the id is 0.
func (s *Submitter) SubmitTagChanges(ctx context.Context, user *models.User, comment string, changes []TagChange) ([]byte, int64, error) {
	modified, client, err := s.conflateAll(ctx, user, changes)
	if err != nil {
		return nil, 0, err
	}
	if len(modified) == 0 {
		s.logger.Info("tag changes already applied upstream")
		empty, _ := xml.MarshalIndent(&osmChange{Version: "0.6", Creator: "MapRoulette"}, "", "  ")
		return empty, 0, nil
	}

	changesetID, err := client.OpenChangeset(ctx, comment, "MapRoulette")
	if err != nil {
		return nil, 0, err
	}
	for i := range modified {
		modified[i].Changeset = changesetID
	}
	change := &osmChange{
		Version: "0.6",
		Creator: "MapRoulette",
		Modify:  &changeBlock{Elements: modified},
	}
	uploadErr := client.UploadChanges(ctx, changesetID, change)
	// The changeset closes on both paths so no dangling changesets accumulate.
	if closeErr := client.CloseChangeset(ctx, changesetID); closeErr != nil {
		s.logger.Warn("failed to close changeset", "changeset", changesetID, "error", closeErr)
	}
	if uploadErr != nil {
		return nil, 0, uploadErr
	}
	rendered, err := xml.MarshalIndent(change, "", "  ")
	if err != nil {
		return nil, 0, err
	}
	return rendered, changesetID, nil
}

func (s *Submitter) fetchFor(ctx context.Context, user *models.User, changes []TagChange) (map[string]*Element, []ElementRef, changesetAPI, error) {
	refs := make([]ElementRef, 0, len(changes))
	for _, change := range changes {
		ref, err := change.ref()
		if err != nil {
			return nil, nil, nil, err
		}
		refs = append(refs, ref)
	}
	client := s.newClient(ctx, user.OSMToken)
	elements, err := client.FetchElements(ctx, refs)
	if err != nil {
		return nil, nil, nil, err
	}
	return elements, refs, client, nil
}

func (s *Submitter) conflateAll(ctx context.Context, user *models.User, changes []TagChange) ([]Element, changesetAPI, error) {
	if user.OSMToken == "" {
		return nil, nil, apierror.New(apierror.KindNotAuthorized, "user has no osm credentials")
	}
	elements, refs, client, err := s.fetchFor(ctx, user, changes)
	if err != nil {
		return nil, nil, err
	}
	modified := make([]Element, 0, len(changes))
	for i, change := range changes {
		el := elements[refs[i].String()]
		if el == nil {
			return nil, nil, apierror.New(apierror.KindNotFound, "osm element %s not found", refs[i])
		}
		if apply(el, change) {
			modified = append(modified, *el)
		}
	}
	return modified, client, nil
}

// apply mutates the element with the requested edits and reports whether
// anything actually changed.
func apply(el *Element, change TagChange) bool {
	changed := false
	for key, value := range change.Updates {
		if current, ok := el.TagValue(key); ok && current == value {
			continue
		}
		el.SetTag(key, value)
		changed = true
	}
	for _, key := range change.Deletes {
		if _, ok := el.TagValue(key); !ok {
			continue
		}
		el.RemoveTag(key)
		changed = true
	}
	return changed
}

// diff computes the effective delta without mutating the element.
func diff(el *Element, change TagChange) TagChangeDelta {
	delta := TagChangeDelta{
		OSMID:   change.OSMID,
		OSMType: change.OSMType,
		Creates: map[string]string{},
		Updates: map[string]TagUpdate{},
	}
	for key, value := range change.Updates {
		current, ok := el.TagValue(key)
		switch {
		case !ok:
			delta.Creates[key] = value
		case current != value:
			delta.Updates[key] = TagUpdate{From: current, To: value}
		}
	}
	for _, key := range change.Deletes {
		if _, ok := el.TagValue(key); ok {
			delta.Deletes = append(delta.Deletes, key)
		}
	}
	return delta
}
