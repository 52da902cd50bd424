package modules

// Metadata is the free-form structured hint tree attached to a job. Values
// are restricted to the set produced by encoding/json: strings, float64s,
// bools, []interface{} and map[string]interface{}.
type Metadata map[string]interface{}

// Hint keys recognized by the finalizer.
const (
	MetaSeriesTitle  = "series_title"
	MetaSeason       = "season"
	MetaEpisode      = "episode"
	MetaEpisodeTitle = "episode_title"
	MetaYear         = "year"
	MetaLanguage     = "language"

	// MetaSourceAlternates stores the unused URLs of a multi-URL resolution.
	MetaSourceAlternates = "source_url_alternates"

	// MetaMaxSpeedBPS overrides the global download rate limit for one job.
	MetaMaxSpeedBPS = "max_speed_bps"
)

// NormalizeMetadata recursively strips empty strings, nils, and empty
// arrays and maps from the tree. A tree that normalizes to nothing returns
// nil so that it is omitted from the stored row entirely.
func NormalizeMetadata(m Metadata) Metadata {
	cleaned, ok := normalizeValue(map[string]interface{}(m)).(map[string]interface{})
	if !ok || len(cleaned) == 0 {
		return nil
	}
	return Metadata(cleaned)
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		if val == "" {
			return nil
		}
		return val
	case []interface{}:
		var out []interface{}
		for _, elem := range val {
			if cleaned := normalizeValue(elem); cleaned != nil {
				out = append(out, cleaned)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{})
		for k, elem := range val {
			if cleaned := normalizeValue(elem); cleaned != nil {
				out[k] = cleaned
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return v
}

// MetaString returns the hint under key as a string, if present.
func (m Metadata) MetaString(key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok && s != ""
}

// MetaStringSlice returns the hint under key as a slice of strings. Non-string
// elements are skipped.
func (m Metadata) MetaStringSlice(key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, elem := range raw {
		if s, ok := elem.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// MetaInt returns the hint under key as an int. JSON numbers decode as
// float64, so both representations are accepted.
func (m Metadata) MetaInt(key string) (int, bool) {
	switch n := m[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
