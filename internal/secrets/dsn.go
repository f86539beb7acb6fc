package secrets

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// PostgresDSN resolves a database reference. Secrets stored as a JSON
// object with host, port, username, password and dbname fields (the shape
// managed database credentials use) are turned into a connection URL;
// anything else is returned as resolved.
func PostgresDSN(ctx context.Context, r *Resolver, ref string) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: nil resolver", ErrInvalidConfig)
	}
	v, err := r.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("%w: empty postgres dsn", ErrInvalidConfig)
	}
	if !strings.HasPrefix(v, "{") {
		return v, nil
	}

	fields, err := jsonFields(v)
	if err != nil {
		return "", err
	}
	host := fields["host"]
	if host == "" {
		return "", fmt.Errorf("%w: postgres secret has no host", ErrInvalidConfig)
	}
	if port := fields["port"]; port != "" {
		host += ":" + port
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   host,
		Path:   "/" + firstNonEmpty(fields["dbname"], "postgres"),
	}
	if user := fields["username"]; user != "" {
		u.User = url.UserPassword(user, fields["password"])
	}
	q := url.Values{}
	q.Set("sslmode", firstNonEmpty(fields["sslmode"], "require"))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
