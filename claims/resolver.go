// Package claims implements ClaimResolver: URI-to-claim/certificate
// resolution and claim-info assembly (spec.md §4.7).
package claims

import (
	"context"
	"fmt"

	"github.com/benywan/ddcsum-server/cache"
	"github.com/benywan/ddcsum-server/chain"
	"github.com/benywan/ddcsum-server/codec"
	"github.com/benywan/ddcsum-server/storage"
)

// ClaimInfo is the assembled record returned for a resolved claim or
// certificate: Storage's persisted fields plus whatever live data the
// daemon's getclaimsforname carries (effective amount, supports).
type ClaimInfo struct {
	ClaimID         string `json:"claim_id"`
	Name            string `json:"name"`
	Value           []byte `json:"value"`
	Height          int64  `json:"height"`
	Address         string `json:"address"`
	Amount          int64  `json:"amount"`
	TxHash          string `json:"txid"`
	Nout            uint32 `json:"nout"`
	CertificateID   string `json:"certificate_id,omitempty"`
	EffectiveAmount int64  `json:"effective_amount,omitempty"`
	Supports        []any  `json:"supports,omitempty"`
}

// NameHeight is the (name, height) pair recorded against a claim id signed
// into a channel.
type NameHeight struct {
	Name   string `json:"name"`
	Height int64  `json:"height"`
}

// Result is what resolve() returns: exactly one of Error, or a combination
// of Certificate/Claim/the two unverified-claims maps, per spec.md §4.7.
type Result struct {
	Error                     string                `json:"error,omitempty"`
	Certificate               *ClaimInfo            `json:"certificate,omitempty"`
	Claim                     *ClaimInfo            `json:"claim,omitempty"`
	UnverifiedClaimsInChannel map[string]NameHeight `json:"unverified_claims_in_channel,omitempty"`
	UnverifiedClaimsForName   map[string]NameHeight `json:"unverified_claims_for_name,omitempty"`
}

// Resolver resolves URIs against Storage and the daemon's name-proof
// surface, caching results short-term by block_hash+uri.
type Resolver struct {
	Client  chain.Client
	Store   storage.Storage
	Cache   *cache.Cache
	Parser  codec.UriParser
	Decoder codec.ClaimDecoder
}

// Resolve implements spec.md §4.7's resolve(block_hash, uri).
func (r *Resolver) Resolve(ctx context.Context, blockHash, uri string) (*Result, error) {
	cacheKey := blockHash + "\x00" + uri
	if cached, ok := r.Cache.ShortTerm.Get(cacheKey); ok {
		return cached.(*Result), nil
	}

	parsed, err := r.Parser.Parse(uri)
	if err != nil {
		res := &Result{Error: err.Error()}
		r.Cache.ShortTerm.Set(cacheKey, res)
		return res, nil
	}

	var res *Result
	if parsed.IsChannel {
		res, err = r.resolveChannel(ctx, parsed, blockHash)
	} else {
		res, err = r.resolveClaim(ctx, parsed, blockHash)
	}
	if err != nil {
		return nil, err
	}

	r.Cache.ShortTerm.Set(cacheKey, res)
	return res, nil
}

// locate resolves (name, claim_id?, sequence?) to a claim id, falling back
// to the winning claim at blockHash when neither is set. It returns ("",
// nil) when winning was requested but the name-proof carries no winning
// claim (spec.md §4.7 step 3, §9 open question: "no winning claim" must be
// treated as "no match", never a stale txid/nout).
func (r *Resolver) locate(ctx context.Context, name, claimID string, hasClaimID bool, sequence int, hasSequence bool, blockHash string) (string, error) {
	switch {
	case hasClaimID:
		return claimID, nil
	case hasSequence:
		return r.Store.GetClaimIDForNthClaimToName(ctx, name, sequence)
	default:
		proof, err := r.Client.GetNameProof(ctx, name, blockHash)
		if err != nil {
			return "", err
		}
		txhash, _ := proof["txhash"].(string)
		if txhash == "" {
			return "", nil
		}
		var nout uint32
		switch v := proof["nout"].(type) {
		case float64:
			nout = uint32(v)
		case uint32:
			nout = v
		}
		return r.Store.GetClaimIDFromOutpoint(ctx, storage.Outpoint{TxHash: txhash, N: nout})
	}
}

func (r *Resolver) compose(ctx context.Context, claimID string) (*ClaimInfo, error) {
	if claimID == "" {
		return nil, nil
	}
	name, err := r.Store.GetClaimName(ctx, claimID)
	if err != nil {
		return nil, err
	}
	value, err := r.Store.GetClaimValue(ctx, claimID)
	if err != nil {
		return nil, err
	}
	height, err := r.Store.GetClaimHeight(ctx, claimID)
	if err != nil {
		return nil, err
	}
	address, err := r.Store.GetClaimAddress(ctx, claimID)
	if err != nil {
		return nil, err
	}
	outpoint, err := r.Store.GetOutpointFromClaimID(ctx, claimID)
	if err != nil {
		return nil, err
	}

	info := &ClaimInfo{
		ClaimID: claimID,
		Name:    name,
		Value:   value,
		Height:  height,
		Address: address,
		TxHash:  outpoint.TxHash,
		Nout:    outpoint.N,
	}

	decoded, err := r.Decoder.DecodeClaimValue(value)
	if err == nil && decoded != nil {
		info.CertificateID = decoded.CertificateID
	}
	return info, nil
}

func (r *Resolver) resolveClaim(ctx context.Context, parsed *codec.ParsedURI, blockHash string) (*Result, error) {
	claimID, err := r.locate(ctx, parsed.Name, parsed.ClaimID, parsed.HasClaimID, parsed.ClaimSequence, parsed.HasSequence, blockHash)
	if err != nil {
		return &Result{Error: err.Error()}, nil
	}
	info, err := r.compose(ctx, claimID)
	if err != nil {
		return &Result{Error: err.Error()}, nil
	}
	if info == nil {
		return &Result{Error: fmt.Sprintf("claims: no winning claim for %q", parsed.Name)}, nil
	}

	res := &Result{Claim: info}
	if info.CertificateID != "" {
		cert, err := r.compose(ctx, info.CertificateID)
		if err == nil {
			res.Certificate = cert
		}
	}
	return res, nil
}

func (r *Resolver) resolveChannel(ctx context.Context, parsed *codec.ParsedURI, blockHash string) (*Result, error) {
	certID, err := r.locate(ctx, parsed.Name, parsed.ClaimID, parsed.HasClaimID, parsed.ClaimSequence, parsed.HasSequence, blockHash)
	if err != nil {
		return &Result{Error: err.Error()}, nil
	}
	cert, err := r.compose(ctx, certID)
	if err != nil {
		return &Result{Error: err.Error()}, nil
	}
	if cert == nil {
		return &Result{Error: fmt.Sprintf("claims: no certificate found for %q", parsed.Name)}, nil
	}

	signed, err := r.Store.GetClaimsSignedBy(ctx, certID)
	if err != nil {
		return &Result{Error: err.Error()}, nil
	}

	res := &Result{Certificate: cert}
	if parsed.Path == "" {
		m := make(map[string]NameHeight, len(signed))
		for _, c := range signed {
			m[c.ClaimID] = NameHeight{Name: c.Name, Height: c.Height}
		}
		res.UnverifiedClaimsInChannel = m
	} else {
		m := make(map[string]NameHeight)
		for _, c := range signed {
			if c.Name == parsed.Path {
				m[c.ClaimID] = NameHeight{Name: c.Name, Height: c.Height}
			}
		}
		res.UnverifiedClaimsForName = m
	}
	return res, nil
}

// GetClaimInfo composes Storage's persisted fields for claimID with the
// live effective-amount/supports data from the daemon's (cached)
// getclaimsforname response (spec.md §4.7's get_claim_info). The live entry
// is matched by claim_id alone; its txid and nout are not compared.
func (r *Resolver) GetClaimInfo(ctx context.Context, claimID string) (*ClaimInfo, error) {
	info, err := r.compose(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("claims: unknown claim id %q", claimID)
	}

	cacheKey := "claimsforname:" + info.Name
	var raw map[string]any
	if cached, ok := r.Cache.ShortTerm.Get(cacheKey); ok {
		raw, _ = cached.(map[string]any)
	} else {
		raw, err = r.Client.GetClaimsForName(ctx, info.Name)
		if err == nil {
			r.Cache.ShortTerm.Set(cacheKey, raw)
		}
	}

	claimsList, _ := raw["claims"].([]any)
	for _, entry := range claimsList {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if cid, _ := m["claim_id"].(string); cid != claimID {
			continue
		}
		if amt, ok := m["effective_amount"].(float64); ok {
			info.EffectiveAmount = int64(amt)
		}
		if supports, ok := m["supports"].([]any); ok {
			info.Supports = supports
		}
		break
	}
	return info, nil
}
