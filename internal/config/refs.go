package config

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// Reference prefixes recognized in string values.
const (
	RefSSM            = "ssm:"
	RefSecretsManager = "secretsmanager:"
)

type parameterGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type secretGetter interface {
	GetSecret(ctx context.Context, id string) (string, error)
}

// RefResolver replaces "ssm:" and "secretsmanager:" references in string
// fields with the remote value. A nil loader leaves its references untouched
// and reports an error when one is found.
type RefResolver struct {
	SSM     parameterGetter
	Secrets secretGetter
}

// HasRefs reports whether any string in cfg is a remote reference.
func HasRefs(cfg *Config) bool {
	found := false
	walkStrings(reflect.ValueOf(cfg).Elem(), func(v reflect.Value) error {
		if isRef(v.String()) {
			found = true
		}
		return nil
	})
	return found
}

// Resolve walks cfg and substitutes every reference in place.
func (r *RefResolver) Resolve(ctx context.Context, cfg *Config) error {
	return walkStrings(reflect.ValueOf(cfg).Elem(), func(v reflect.Value) error {
		raw := v.String()
		if !isRef(raw) {
			return nil
		}
		val, err := r.lookup(ctx, raw)
		if err != nil {
			return err
		}
		v.SetString(val)
		return nil
	})
}

func (r *RefResolver) lookup(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, RefSSM):
		if r.SSM == nil {
			return "", fmt.Errorf("config references %q but no SSM loader is configured", ref)
		}
		return r.SSM.GetParameter(ctx, strings.TrimPrefix(ref, RefSSM))
	case strings.HasPrefix(ref, RefSecretsManager):
		if r.Secrets == nil {
			return "", fmt.Errorf("config references %q but no Secrets Manager loader is configured", ref)
		}
		return r.Secrets.GetSecret(ctx, strings.TrimPrefix(ref, RefSecretsManager))
	}
	return ref, nil
}

func isRef(s string) bool {
	return strings.HasPrefix(s, RefSSM) || strings.HasPrefix(s, RefSecretsManager)
}

// walkStrings calls fn for every settable string reachable through structs,
// pointers and slices. Map values are not addressable and are skipped.
func walkStrings(v reflect.Value, fn func(reflect.Value) error) error {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return walkStrings(v.Elem(), fn)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := walkStrings(v.Field(i), fn); err != nil {
				return err
			}
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			if err := walkStrings(v.Index(i), fn); err != nil {
				return err
			}
		}
	case reflect.String:
		if v.CanSet() {
			return fn(v)
		}
	}
	return nil
}
