package gateway

import (
	"context"
	"net/url"
	"strconv"

	"personalink/link"
	"personalink/merge"
	"personalink/metrics"
	"personalink/pkg/personalize"
	"personalink/signing"
	"personalink/tokens"
)

// ResolveLink validates a signed link's query and renders its artifact.
//
// Expiry is checked before the signature so an expired but authentic link
// reads as expired. Every query parameter except sig is covered by the
// signature.
func (g *Gateway) ResolveLink(ctx context.Context, templateID string, query url.Values) (*personalize.Result, error) {
	log := g.logger.With("template_id", templateID)

	for k, vs := range query {
		if len(vs) > 1 {
			metrics.RecordResolution("bad_request")
			return nil, g.fail(log, personalize.Validation("Duplicate parameter: "+k))
		}
	}

	sig := query.Get(link.ParamSignature)
	expRaw := query.Get(link.ParamExpiry)
	if sig == "" || expRaw == "" {
		metrics.RecordResolution("bad_request")
		return nil, g.fail(log, personalize.Validation("Missing sig or exp"))
	}
	exp, err := strconv.ParseInt(expRaw, 10, 64)
	if err != nil {
		metrics.RecordResolution("bad_request")
		return nil, g.fail(log, personalize.Validation("Invalid exp"))
	}

	if g.now().Unix() > exp {
		metrics.RecordResolution("expired")
		return nil, g.fail(log, personalize.Authentication("Link expired"))
	}

	params := make(signing.Params, len(query))
	for k := range query {
		if k != link.ParamSignature {
			params[k] = query.Get(k)
		}
	}

	if !g.signer.Verify(params, sig) && !g.verifySubstituted(params, sig) {
		metrics.RecordResolution("invalid_signature")
		return nil, g.fail(log, personalize.Authentication("Invalid signature"))
	}

	raw := make(map[string]string, len(params))
	for k, v := range params {
		switch k {
		case link.ParamExpiry, link.ParamSource, link.ParamUserID:
			continue
		}
		raw[k] = v
	}

	res, err := g.Render(ctx, templateID, raw)
	if err != nil {
		metrics.RecordResolution("error")
		return nil, err
	}
	metrics.RecordResolution("ok")
	return res, nil
}

// verifySubstituted checks the signature against the merge-tag form of
// params, which is what the builder signed before the ESP filled in the
// recipient's values. Only links whose src names a platform qualify.
func (g *Gateway) verifySubstituted(params signing.Params, sig string) bool {
	if !g.acceptSubstituted {
		return false
	}
	platform, ok := merge.ParsePlatform(params[link.ParamSource])
	if !ok {
		return false
	}

	signed := make(signing.Params, len(params))
	for k, v := range params {
		if key, ok := tokens.ParseKey(k); ok {
			v = merge.Field(platform, key)
		}
		signed[k] = v
	}
	return g.signer.Verify(signed, sig)
}
