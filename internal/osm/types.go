// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

// Package osm implements the OpenStreetMap API client and the cooperative
// work changeset pipeline.
package osm

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/maproulette/maproulette-backend/internal/apierror"
)

// ElementType is one of the three OSM primitive kinds.
type ElementType string

const (
	ElementNode     ElementType = "node"
	ElementWay      ElementType = "way"
	ElementRelation ElementType = "relation"
)

// Tag is one key/value pair on an element.
type Tag struct {
	Key   string `xml:"k,attr"`
	Value string `xml:"v,attr"`
}

// NodeRef references a member node of a way.
type NodeRef struct {
	Ref int64 `xml:"ref,attr"`
}

// Member is one member of a relation.
type Member struct {
	Type ElementType `xml:"type,attr"`
	Ref  int64       `xml:"ref,attr"`
	Role string      `xml:"role,attr"`
}

// Element is an OSM primitive as returned by the API. Lat/Lon are pointers so
// nodes keep the distinction between 0 and absent.
type Element struct {
	XMLName   xml.Name
	ID        int64    `xml:"id,attr"`
	Version   int      `xml:"version,attr"`
	Changeset int64    `xml:"changeset,attr,omitempty"`
	Lat       *float64 `xml:"lat,attr,omitempty"`
	Lon       *float64 `xml:"lon,attr,omitempty"`
	Tags      []Tag    `xml:"tag"`
	NodeRefs  []NodeRef `xml:"nd,omitempty"`
	Members   []Member  `xml:"member,omitempty"`
}

// Type returns the element kind from the XML name.
func (e *Element) Type() ElementType { return ElementType(e.XMLName.Local) }

// Clone returns a deep copy that can be mutated independently of the
// receiver. Cached elements are cloned on the way in and out so conflation
// never writes through to a shared snapshot.
func (e *Element) Clone() *Element {
	out := *e
	if e.Lat != nil {
		lat := *e.Lat
		out.Lat = &lat
	}
	if e.Lon != nil {
		lon := *e.Lon
		out.Lon = &lon
	}
	out.Tags = append([]Tag(nil), e.Tags...)
	out.NodeRefs = append([]NodeRef(nil), e.NodeRefs...)
	out.Members = append([]Member(nil), e.Members...)
	return &out
}

// TagValue returns the value for the key and whether the tag exists; a tag
// present with an empty value is distinct from a missing tag.
func (e *Element) TagValue(key string) (string, bool) {
	for _, t := range e.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

// SetTag inserts or replaces a tag, preserving tag order for stable output.
func (e *Element) SetTag(key, value string) {
	for i, t := range e.Tags {
		if t.Key == key {
			e.Tags[i].Value = value
			return
		}
	}
	e.Tags = append(e.Tags, Tag{Key: key, Value: value})
}

// RemoveTag deletes a tag if present.
func (e *Element) RemoveTag(key string) {
	for i, t := range e.Tags {
		if t.Key == key {
			e.Tags = append(e.Tags[:i], e.Tags[i+1:]...)
			return
		}
	}
}

// osmResponse is the envelope of every element fetch.
type osmResponse struct {
	XMLName   xml.Name  `xml:"osm"`
	Nodes     []Element `xml:"node"`
	Ways      []Element `xml:"way"`
	Relations []Element `xml:"relation"`
}

func (r *osmResponse) elements() []Element {
	out := make([]Element, 0, len(r.Nodes)+len(r.Ways)+len(r.Relations))
	for _, n := range r.Nodes {
		n.XMLName = xml.Name{Local: string(ElementNode)}
		out = append(out, n)
	}
	for _, w := range r.Ways {
		w.XMLName = xml.Name{Local: string(ElementWay)}
		out = append(out, w)
	}
	for _, rel := range r.Relations {
		rel.XMLName = xml.Name{Local: string(ElementRelation)}
		out = append(out, rel)
	}
	return out
}

// ElementRef identifies one element as "way/123".
type ElementRef struct {
	Type ElementType
	ID   int64
}

// ParseElementRef decodes a "type/id" reference string.
func ParseElementRef(ref string) (ElementRef, error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 {
		return ElementRef{}, apierror.New(apierror.KindInvalid, "malformed element reference %q", ref)
	}
	t := ElementType(parts[0])
	switch t {
	case ElementNode, ElementWay, ElementRelation:
	default:
		return ElementRef{}, apierror.New(apierror.KindInvalid, "unknown element type %q", parts[0])
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return ElementRef{}, apierror.New(apierror.KindInvalid, "malformed element id in %q", ref)
	}
	return ElementRef{Type: t, ID: id}, nil
}

func (r ElementRef) String() string {
	return fmt.Sprintf("%s/%d", r.Type, r.ID)
}

// changesetPayload is the osm envelope for changeset create.
type changesetPayload struct {
	XMLName   xml.Name `xml:"osm"`
	Changeset struct {
		Tags []Tag `xml:"tag"`
	} `xml:"changeset"`
}

// osmChange is the document uploaded to a changeset. The cooperative work
// pipeline emits modify blocks for tag edits and create blocks for new
// nodes; deletes are never generated.
type osmChange struct {
	XMLName xml.Name  `xml:"osmChange"`
	Version string    `xml:"version,attr"`
	Creator string    `xml:"generator,attr"`
	Modify  *changeBlock `xml:"modify,omitempty"`
	Create  *changeBlock `xml:"create,omitempty"`
	Delete  *changeBlock `xml:"delete,omitempty"`
}

type changeBlock struct {
	Elements []Element `xml:",any"`
}
