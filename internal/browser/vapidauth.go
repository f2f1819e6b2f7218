package browser

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bearstradespro/pushkit/internal/vapid"
)

var errNoVAPID = errors.New("missing vapid authorization")

// verifyVAPID checks an `Authorization: vapid t=<jwt>, k=<key>` header and
// returns the decoded application server key it was signed with.
func verifyVAPID(header, audience string) ([]byte, error) {
	scheme, params, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "vapid") {
		return nil, errNoVAPID
	}

	var token, key string
	for _, p := range strings.Split(params, ",") {
		name, value, _ := strings.Cut(strings.TrimSpace(p), "=")
		switch name {
		case "t":
			token = value
		case "k":
			key = value
		}
	}
	if token == "" || key == "" {
		return nil, errNoVAPID
	}

	raw, err := vapid.Decode(key)
	if err != nil {
		return nil, fmt.Errorf("vapid k: %w", err)
	}
	pub, err := ecdsa.ParseUncompressedPublicKey(elliptic.P256(), raw)
	if err != nil {
		return nil, fmt.Errorf("vapid k: %w", err)
	}

	_, err = jwt.Parse(token, func(*jwt.Token) (any, error) {
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("vapid t: %w", err)
	}
	return raw, nil
}
