package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// getFloatsOrDefault reads a comma separated float list such as "12.5,3.1".
// A malformed list is logged and replaced by the default.
func getFloatsOrDefault(key string, defaultVal []float32) []float32 {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return defaultVal
	}
	vals, err := parseFloats(v)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Ignoring malformed float list")
		return defaultVal
	}
	return vals
}

func parseFloats(v string) ([]float32, error) {
	parts := strings.Split(v, ",")
	out := make([]float32, 0, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, float32(f))
	}
	return out, nil
}
