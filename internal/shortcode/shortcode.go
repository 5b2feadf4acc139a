package shortcode

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/rs/zerolog/log"
)

// Alphabet is base62: codes stay URL-safe without escaping.
const Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const DefaultLength = 5

// maxAttempts bounds the collision-retry loop. At 5 characters over base62
// there are ~9×10^8 codes, so hitting this bound means something is badly
// wrong with the store rather than bad luck.
const maxAttempts = 10

// ExistsFunc reports whether a candidate code is already assigned to a link.
type ExistsFunc func(ctx context.Context, code string) (bool, error)

// Generator produces unique short codes of a fixed length.
type Generator struct {
	length int
}

func NewGenerator(length int) *Generator {
	if length <= 0 {
		length = DefaultLength
	}
	return &Generator{length: length}
}

func (g *Generator) Length() int {
	return g.length
}

// Allocate draws random candidates until one is free. The returned code is
// never one that exists already reported as taken; the caller still relies
// on the unique column constraint as the final arbiter.
func (g *Generator) Allocate(ctx context.Context, exists ExistsFunc) (string, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		code, err := g.random()
		if err != nil {
			return "", fmt.Errorf("failed to generate candidate code: %w", err)
		}

		taken, err := exists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("failed to check code availability: %w", err)
		}
		if !taken {
			return code, nil
		}

		log.Debug().Str("code", code).Int("attempt", attempt).Msg("short code collision, retrying")
	}

	return "", errors.New("exhausted short code allocation attempts")
}

func (g *Generator) random() (string, error) {
	code := make([]byte, g.length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(Alphabet))))
		if err != nil {
			return "", err
		}
		code[i] = Alphabet[n.Int64()]
	}
	return string(code), nil
}
