package auth

import (
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/hkdb/imapengine/internal/hostsession"
)

// PostAuthOptions controls which optional post-authentication features the
// caller wants attempted (spec §4.4 step 5).
type PostAuthOptions struct {
	EnableCondStore bool
	EnableUTF8      bool
	NamespaceCached bool
}

// PostAuthResult records which optional features actually took effect.
type PostAuthResult struct {
	CondStoreEnabled bool
	UTF8Enabled      bool
	Namespace        *NamespaceResult
}

// NamespaceResult is the parsed NAMESPACE response (spec §4.4 step 5;
// folder discovery at §4.11 consumes this further).
type NamespaceResult struct {
	Personal []hostsession.NamespaceDescriptor
	Other    []hostsession.NamespaceDescriptor
	Shared   []hostsession.NamespaceDescriptor
}

// RunPostAuth issues ENABLE CONDSTORE, ENABLE UTF8=ACCEPT, and NAMESPACE in
// the fixed order spec §4.4 requires, skipping any step whose prerequisite
// capability is absent.
//
// ID (RFC 2971) and COMPRESS=DEFLATE (RFC 4978) are no longer attempted
// here: imapclient.Client exposes no raw/arbitrary-command escape hatch to
// issue ID, and no transport-replacement hook to layer a DEFLATE stream
// under the connection after COMPRESS succeeds.
func (s *Session) RunPostAuth(opts PostAuthOptions) (*PostAuthResult, error) {
	result := &PostAuthResult{}

	var toEnable []imap.Cap
	if opts.EnableCondStore && s.hasCap("CONDSTORE") {
		toEnable = append(toEnable, imap.CapCondStore)
	}
	if opts.EnableUTF8 && s.hasCap("UTF8=ACCEPT") {
		toEnable = append(toEnable, imap.CapUTF8Accept)
	}
	if len(toEnable) > 0 {
		data, err := s.client.Enable(toEnable...).Wait()
		if err != nil {
			return result, fmt.Errorf("auth: ENABLE failed: %w", err)
		}
		for _, c := range data.Caps {
			switch c {
			case imap.CapCondStore:
				result.CondStoreEnabled = true
			case imap.CapUTF8Accept:
				result.UTF8Enabled = true
			}
		}
	}

	if s.hasCap("NAMESPACE") && !opts.NamespaceCached {
		ns, err := s.namespace()
		if err != nil {
			return result, err
		}
		result.Namespace = ns
	}

	return result, nil
}

func (s *Session) namespace() (*NamespaceResult, error) {
	data, err := s.client.Namespace().Wait()
	if err != nil {
		return nil, fmt.Errorf("auth: NAMESPACE failed: %w", err)
	}
	return &NamespaceResult{
		Personal: namespaceDescriptors(data.Personal),
		Other:    namespaceDescriptors(data.Other),
		Shared:   namespaceDescriptors(data.Shared),
	}, nil
}

func namespaceDescriptors(in []imap.NamespaceDescriptor) []hostsession.NamespaceDescriptor {
	out := make([]hostsession.NamespaceDescriptor, len(in))
	for i, d := range in {
		delim := byte(0)
		if d.Delim != 0 {
			delim = byte(d.Delim)
		}
		out[i] = hostsession.NamespaceDescriptor{Prefix: d.Prefix, Delim: delim}
	}
	return out
}
