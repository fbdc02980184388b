package config

import (
	"github.com/go-viper/mapstructure/v2"
)

// decodeToMap turns a config struct into nested maps keyed by the
// mapstructure tags.
func decodeToMap(in interface{}, out *map[string]interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: out})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
