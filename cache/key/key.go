// Package key turns a request identity into a fixed-length cache key.
package key

import (
	"crypto"
	_ "crypto/md5"
	_ "crypto/sha1"
	"encoding/hex"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
)

// Hasher generates deterministic cache keys from a request URL and body.
//
// Contract:
// - Determinism: same inputs produce the same key, across process restarts.
// - Concurrency: safe for concurrent use.
// - Key never fails: a digest failure moves on to the next tier.
type Hasher struct {
	tiers []crypto.Hash
}

var defaultAlgorithms = []crypto.Hash{crypto.SHA1, crypto.MD5}

type options struct {
	algorithms []crypto.Hash
	logger     *slog.Logger
}

type Option interface {
	apply(opts *options)
}

var (
	_ Option = algorithmsOption(nil)
	_ Option = loggerOption{}
)

type algorithmsOption []crypto.Hash

func (o algorithmsOption) apply(opts *options) {
	opts.algorithms = o
}

// WithAlgorithms overrides the preferred digests, in order of preference.
func WithAlgorithms(algorithms ...crypto.Hash) algorithmsOption {
	return algorithmsOption(algorithms)
}

type loggerOption struct {
	logger *slog.Logger
}

func (o loggerOption) apply(opts *options) {
	opts.logger = o.logger
}

func WithLogger(logger *slog.Logger) loggerOption {
	return loggerOption{logger}
}

// NewHasher selects the digest tiers available in this binary. The selected
// tier is logged once here, never per key.
func NewHasher(opts ...Option) *Hasher {
	options := &options{
		algorithms: defaultAlgorithms,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o.apply(options)
	}

	var tiers []crypto.Hash
	for _, h := range options.algorithms {
		if h.Available() {
			tiers = append(tiers, h)
			continue
		}
		options.logger.Warn("cache key digest is not available", slog.String("digest", digestName(h)))
	}

	switch {
	case len(tiers) == 0:
		options.logger.Warn("no cache key digest available, using polynomial string hash")
	case tiers[0] == options.algorithms[0]:
		options.logger.Info("using cache key digest", slog.String("digest", digestName(tiers[0])))
	default:
		options.logger.Warn("falling back to weaker cache key digest", slog.String("digest", digestName(tiers[0])))
	}
	return &Hasher{tiers: tiers}
}

// Key hashes url, joined with "$" and the normalised body when a body is present.
func (h *Hasher) Key(rawURL, body string) string {
	text := rawURL
	if body != "" {
		text = rawURL + "$" + normaliseBody(body)
	}
	for _, tier := range h.tiers {
		if key, ok := digest(tier, text); ok {
			return key
		}
	}
	return polynomial(text)
}

// Digest reports the digest used for new keys, "polynomial" when none is available.
func (h *Hasher) Digest() string {
	if len(h.tiers) == 0 {
		return "polynomial"
	}
	return digestName(h.tiers[0])
}

func digest(h crypto.Hash, text string) (key string, ok bool) {
	defer func() {
		if recover() != nil {
			key, ok = "", false
		}
	}()
	d := h.New()
	if _, err := d.Write([]byte(text)); err != nil {
		return "", false
	}
	return strings.ToUpper(hex.EncodeToString(d.Sum(nil))), true
}

func polynomial(text string) string {
	var hash int64 = 7
	for _, c := range text {
		hash = hash*31 + int64(c)
	}
	return strconv.FormatInt(hash, 10)
}

// normaliseBody sorts form-encoded parameters so that "b=2&a=1" and "a=1&b=2"
// produce the same key. Other bodies are used verbatim.
func normaliseBody(body string) string {
	if !strings.Contains(body, "=") || strings.ContainsAny(body, "{}[]\" \t\r\n") {
		return body
	}
	values, err := url.ParseQuery(body)
	if err != nil {
		return body
	}
	// Encode sorts by name and re-escapes, so distinct bodies stay distinct.
	return values.Encode()
}

func digestName(h crypto.Hash) string {
	switch h {
	case crypto.SHA1:
		return "SHA-1"
	case crypto.MD5:
		return "MD5"
	default:
		return h.String()
	}
}
