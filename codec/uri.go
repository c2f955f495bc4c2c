package codec

import (
	"fmt"
	"strconv"
	"strings"
)

// ParsedURI is the decoded shape of a `name-claim://` style URI: a channel
// or content identifier, optionally pinned to a claim id or sequence
// number, optionally followed by a path component (used to scope a
// channel's signed claims by name).
type ParsedURI struct {
	IsChannel      bool
	Name           string
	ClaimID        string
	ClaimSequence  int
	Path           string
	HasClaimID     bool
	HasSequence    bool
	OriginalURI    string
}

// UriParser turns a URI string into its structural components. An external
// collaborator per spec.md §1; ClaimResolver only needs the parsed shape.
type UriParser interface {
	Parse(uri string) (*ParsedURI, error)
}

// DefaultURIParser implements the claim URI grammar, given without a scheme:
//
//	[@]name[#claim_id|:sequence][/path]
//
// A leading '@' marks a channel and stays part of Name. A `name-claim://`
// prefix is not stripped; such input fails to parse. This is a reference
// implementation sufficient to exercise ClaimResolver and its tests; a production parser
// is an external collaborator.
type DefaultURIParser struct{}

func (DefaultURIParser) Parse(uri string) (*ParsedURI, error) {
	original := uri
	if uri == "" {
		return nil, fmt.Errorf("codec: empty uri")
	}
	p := &ParsedURI{OriginalURI: original}

	rest := uri
	if strings.HasPrefix(rest, "@") {
		p.IsChannel = true
	}

	// Split off a path component, if present.
	if idx := strings.Index(rest, "/"); idx >= 0 {
		p.Path = rest[idx+1:]
		rest = rest[:idx]
	}

	// Split name from a claim id (#) or sequence number (:).
	if idx := strings.IndexByte(rest, '#'); idx >= 0 {
		p.Name = rest[:idx]
		p.ClaimID = rest[idx+1:]
		p.HasClaimID = p.ClaimID != ""
	} else if idx := strings.IndexByte(rest, ':'); idx >= 0 {
		p.Name = rest[:idx]
		seqStr := rest[idx+1:]
		seq, err := strconv.Atoi(seqStr)
		if err != nil {
			return nil, fmt.Errorf("codec: bad claim sequence %q in uri %q: %w", seqStr, original, err)
		}
		p.ClaimSequence = seq
		p.HasSequence = true
	} else {
		p.Name = rest
	}

	if p.Name == "" || p.Name == "@" {
		return nil, fmt.Errorf("codec: uri %q has no name component", original)
	}
	return p, nil
}
