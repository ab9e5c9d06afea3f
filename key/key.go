// Package key maps logical resource identities to cache keys.
//
// Entity keys:
//
//	<ns>:v<schema>:<type>:id:<id>
//
// Query keys (parameter sets, order independent):
//
//	<ns>:v<schema>:<type>:q:<digest>
//
// where digest is the first 16 bytes of SHA-256 over the deterministic CBOR
// encoding of the parameters. Bumping SchemaVersion moves every key, so a
// deploy that changes the serialized shape never reads old entries.
package key

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/unkn0wn-root/asidecache/codec"
)

// CollectionID is the ID of the ref every query of a type depends on.
const CollectionID = "*"

// Params is a query parameter set. Values may be any CBOR-encodable value,
// including nested maps and slices.
type Params map[string]any

// Ref identifies one resource (or, with ID == CollectionID, all of a type).
type Ref struct {
	Type string
	ID   string
}

func (r Ref) String() string { return r.Type + ":" + r.ID }

// IsCollection reports whether r stands for the whole type.
func (r Ref) IsCollection() bool { return r.ID == CollectionID }

// Collection returns the collection ref of resourceType.
func Collection(resourceType string) Ref { return Ref{Type: resourceType, ID: CollectionID} }

// BuildError reports malformed input to the builder.
type BuildError struct {
	Type   string
	Reason string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("asidecache: build key for %q: %s: %v", e.Type, e.Reason, e.Err)
	}
	return fmt.Sprintf("asidecache: build key for %q: %s", e.Type, e.Reason)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Builder builds namespaced, schema-versioned keys. The zero value builds keys
// without a namespace at schema version 0.
type Builder struct {
	Namespace     string
	SchemaVersion int
}

func (b Builder) prefix(resourceType string) string {
	var sb strings.Builder
	if b.Namespace != "" {
		sb.WriteString(b.Namespace)
		sb.WriteByte(':')
	}
	sb.WriteByte('v')
	sb.WriteString(strconv.Itoa(b.SchemaVersion))
	sb.WriteByte(':')
	sb.WriteString(resourceType)
	return sb.String()
}

// Ref validates resourceType and id and returns the resource identity.
func (b Builder) Ref(resourceType string, id any) (Ref, error) {
	if err := checkType(resourceType); err != nil {
		return Ref{}, err
	}
	s, err := Identity(id)
	if err != nil {
		return Ref{}, &BuildError{Type: resourceType, Reason: "identity", Err: err}
	}
	if s == "" {
		return Ref{}, &BuildError{Type: resourceType, Reason: "empty identity"}
	}
	if s == CollectionID {
		return Ref{}, &BuildError{Type: resourceType, Reason: "reserved identity " + CollectionID}
	}
	return Ref{Type: resourceType, ID: s}, nil
}

// Entity returns the key of a single resource.
func (b Builder) Entity(resourceType string, id any) (string, error) {
	r, err := b.Ref(resourceType, id)
	if err != nil {
		return "", err
	}
	return b.ForRef(r), nil
}

// ForRef returns the entity key of an already validated ref.
func (b Builder) ForRef(r Ref) string {
	return b.prefix(r.Type) + ":id:" + r.ID
}

// Query returns the key of a parameterized query over resourceType.
// nil and empty params are the same query.
func (b Builder) Query(resourceType string, params Params) (string, error) {
	if err := checkType(resourceType); err != nil {
		return "", err
	}
	if params == nil {
		params = Params{}
	}
	raw, err := codec.Canonical(map[string]any(params))
	if err != nil {
		return "", &BuildError{Type: resourceType, Reason: "unencodable params", Err: err}
	}
	sum := sha256.Sum256(raw)
	return b.prefix(resourceType) + ":q:" + hex.EncodeToString(sum[:16]), nil
}

func checkType(resourceType string) error {
	switch {
	case resourceType == "":
		return &BuildError{Reason: "empty resource type"}
	case strings.ContainsAny(resourceType, ":*"):
		return &BuildError{Type: resourceType, Reason: "resource type must not contain ':' or '*'"}
	}
	return nil
}

// Identity renders a resource ID. Strings, integers, bools, types defined
// over those (type UserID string) and fmt.Stringer are accepted; anything
// else, including a nil Stringer, is an error. A defined type that is also a
// Stringer is rendered by its String method.
func Identity(id any) (string, error) {
	switch v := id.(type) {
	case string:
		return v, nil
	case int:
		return strconv.FormatInt(int64(v), 10), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case bool:
		return strconv.FormatBool(v), nil
	case fmt.Stringer:
		if isNil(v) {
			return "", fmt.Errorf("nil identity of type %T", id)
		}
		return v.String(), nil
	case nil:
		return "", fmt.Errorf("nil identity")
	}
	rv := reflect.ValueOf(id)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool()), nil
	}
	return "", fmt.Errorf("unsupported identity type %T", id)
}

func isNil(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
