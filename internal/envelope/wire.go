package envelope

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"
)

// SchemaVersion is stamped on every message so workers can reject formats
// they do not understand.
const SchemaVersion = "v1"

// Wire field names. Payload fields may use any other name.
const (
	FieldAssetID         = "asset_id"
	FieldKind            = "kind"
	FieldType            = "type"
	FieldRequestedAt     = "requested_at"
	FieldExpireAt        = "expire_at"
	FieldRetryCount      = "retry_count"
	FieldNextRetryAt     = "next_retry_at"
	FieldRetryFailReason = "retry_fail_reason"
	FieldSchemaVersion   = "schema_version"
	FieldPublishedAt     = "published_at"
)

var reservedFields = map[string]struct{}{
	FieldAssetID:         {},
	FieldKind:            {},
	FieldType:            {},
	FieldRequestedAt:     {},
	FieldExpireAt:        {},
	FieldRetryCount:      {},
	FieldNextRetryAt:     {},
	FieldRetryFailReason: {},
	FieldSchemaVersion:   {},
	FieldPublishedAt:     {},
}

// ErrSerialization marks an envelope that cannot be represented on the wire.
// It is never retryable.
var ErrSerialization = errors.New("envelope: payload cannot be serialized")

// Raw is a payload kept in its wire form. The sweeper republishes envelopes
// as Raw without knowing the domain type.
type Raw map[string]string

// WireFields returns a copy of the raw fields.
func (r Raw) WireFields() (map[string]string, error) {
	out := make(map[string]string, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out, nil
}

// Flatten checks that p can be put on the wire and returns its fields.
func Flatten(p Payload) (Raw, error) {
	payload, err := p.WireFields()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	out := make(Raw, len(payload))
	for _, k := range sortedKeys(payload) {
		if _, clash := reservedFields[k]; clash {
			return nil, fmt.Errorf("%w: payload field %q collides with an envelope field", ErrSerialization, k)
		}
		v := payload[k]
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return nil, fmt.Errorf("%w: field %q is not valid UTF-8", ErrSerialization, k)
		}
		out[k] = v
	}
	return out, nil
}

// ToRaw swaps the typed payload for its wire fields.
func ToRaw[P Payload](e Envelope[P]) (Envelope[Raw], error) {
	raw, err := Flatten(e.Payload)
	if err != nil {
		return Envelope[Raw]{}, err
	}
	return Envelope[Raw]{
		AssetID:         e.AssetID,
		Kind:            e.Kind,
		Type:            e.Type,
		Payload:         raw,
		RequestedAt:     e.RequestedAt,
		ExpireAt:        e.ExpireAt,
		RetryCount:      e.RetryCount,
		NextRetryAt:     e.NextRetryAt,
		RetryFailReason: e.RetryFailReason,
	}, nil
}

// Wire flattens the envelope header and payload into a single string map.
func (e Envelope[P]) Wire() (map[string]string, error) {
	payload, err := Flatten(e.Payload)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]string, len(payload)+len(reservedFields))
	for k, v := range payload {
		fields[k] = v
	}

	fields[FieldAssetID] = strconv.FormatUint(uint64(e.AssetID), 10)
	fields[FieldKind] = string(e.Kind)
	fields[FieldType] = e.Type
	fields[FieldRequestedAt] = formatTime(e.RequestedAt)
	fields[FieldExpireAt] = formatTime(e.ExpireAt)
	fields[FieldRetryCount] = strconv.Itoa(e.RetryCount)
	fields[FieldNextRetryAt] = ""
	if e.NextRetryAt != nil {
		fields[FieldNextRetryAt] = formatTime(*e.NextRetryAt)
	}
	fields[FieldRetryFailReason] = ""
	if e.RetryFailReason != nil {
		fields[FieldRetryFailReason] = string(*e.RetryFailReason)
	}
	fields[FieldSchemaVersion] = SchemaVersion

	return fields, nil
}

// Decode parses a wire map back into an envelope. Values may be strings or
// byte slices as handed out by stream clients; parse builds the domain payload
// from the non-envelope fields.
func Decode[P Payload](values map[string]any, parse func(map[string]string) (P, error)) (Envelope[P], error) {
	var env Envelope[P]

	fields := make(map[string]string, len(values))
	for k, v := range values {
		switch s := v.(type) {
		case string:
			fields[k] = s
		case []byte:
			fields[k] = string(s)
		default:
			return env, fmt.Errorf("envelope: field %q has non-string value %T", k, v)
		}
	}

	if v := fields[FieldSchemaVersion]; v != "" && v != SchemaVersion {
		return env, fmt.Errorf("envelope: unsupported schema version %q", v)
	}

	id, err := strconv.ParseUint(fields[FieldAssetID], 10, 64)
	if err != nil || id == 0 {
		return env, fmt.Errorf("envelope: invalid %s %q", FieldAssetID, fields[FieldAssetID])
	}
	env.AssetID = uint(id)

	env.Kind = Kind(fields[FieldKind])
	if !env.Kind.Valid() {
		return env, fmt.Errorf("envelope: invalid %s %q", FieldKind, fields[FieldKind])
	}
	env.Type = fields[FieldType]

	if env.RequestedAt, err = parseTime(FieldRequestedAt, fields[FieldRequestedAt]); err != nil {
		return env, err
	}
	if env.ExpireAt, err = parseTime(FieldExpireAt, fields[FieldExpireAt]); err != nil {
		return env, err
	}

	env.RetryCount, err = strconv.Atoi(fields[FieldRetryCount])
	if err != nil || env.RetryCount < 0 {
		return env, fmt.Errorf("envelope: invalid %s %q", FieldRetryCount, fields[FieldRetryCount])
	}

	if s := fields[FieldNextRetryAt]; s != "" {
		t, err := parseTime(FieldNextRetryAt, s)
		if err != nil {
			return env, err
		}
		env.NextRetryAt = &t
	}
	if s := fields[FieldRetryFailReason]; s != "" {
		reason, err := ParseFailReason(s)
		if err != nil {
			return env, fmt.Errorf("envelope: %w", err)
		}
		env.RetryFailReason = &reason
	}

	payload := make(map[string]string, len(fields))
	for k, v := range fields {
		if _, ok := reservedFields[k]; !ok {
			payload[k] = v
		}
	}
	if env.Payload, err = parse(payload); err != nil {
		return env, fmt.Errorf("envelope: parse payload: %w", err)
	}

	return env, nil
}

// ParseRaw keeps the payload fields as they are.
func ParseRaw(fields map[string]string) (Raw, error) {
	return Raw(fields), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(field, s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("envelope: invalid %s %q: %w", field, s, err)
	}
	return t.UTC(), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
