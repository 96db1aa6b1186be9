package wire

import (
	"fmt"
	"strings"
	"unicode"

	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
)

// RoutingKey identifies one logical stream. Both parts become single subject
// tokens, so they may not contain '.', '*', '>' or whitespace. The namespace
// may not contain '/', which separates the parts in the text form.
type RoutingKey struct {
	Namespace string
	Key       string
}

// NewRoutingKey builds and validates a routing key.
func NewRoutingKey(namespace, key string) (RoutingKey, error) {
	k := RoutingKey{Namespace: namespace, Key: key}
	if err := k.Validate(); err != nil {
		return RoutingKey{}, err
	}
	return k, nil
}

// Validate reports whether k can be published.
func (k RoutingKey) Validate() error {
	if k.Namespace == "" || k.Key == "" {
		return errspkg.ErrInvalidRoutingKey
	}
	if strings.ContainsRune(k.Namespace, '/') {
		return fmt.Errorf("%w: namespace %q contains '/'", errspkg.ErrInvalidRoutingKey, k.Namespace)
	}
	for _, token := range [...]string{k.Namespace, k.Key} {
		if !validToken(token) {
			return fmt.Errorf("%w: %q", errspkg.ErrInvalidSubjectToken, token)
		}
	}
	return nil
}

// IsZero reports whether k is the zero value.
func (k RoutingKey) IsZero() bool {
	return k.Namespace == "" && k.Key == ""
}

// String returns the lossless text form "namespace/key".
func (k RoutingKey) String() string {
	return k.Namespace + "/" + k.Key
}

// ParseRoutingKey is the inverse of RoutingKey.String.
func ParseRoutingKey(s string) (RoutingKey, error) {
	namespace, key, ok := strings.Cut(s, "/")
	if !ok {
		return RoutingKey{}, fmt.Errorf("%w: %q has no separator", errspkg.ErrInvalidRoutingKey, s)
	}
	return NewRoutingKey(namespace, key)
}

func validToken(token string) bool {
	for _, r := range token {
		switch {
		case r == '.', r == '*', r == '>':
			return false
		case unicode.IsSpace(r), unicode.IsControl(r):
			return false
		}
	}
	return true
}
