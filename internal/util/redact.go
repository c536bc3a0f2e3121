package util

import "net/url"

// RedactURL masks credentials in a URL for safe logging.
// It redacts userinfo passwords and query parameter values.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid-url>"
	}
	redacted := u.Redacted()
	if u.RawQuery == "" {
		return redacted
	}
	q := u.Query()
	for key := range q {
		q.Set(key, "REDACTED")
	}
	r, err := url.Parse(redacted)
	if err != nil {
		return redacted
	}
	r.RawQuery = q.Encode()
	return r.String()
}
