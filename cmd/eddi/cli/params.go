// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// FlagsFromParams returns a flag set bound to the tagged fields of
// params, a pointer to a struct. A bad params type or tag is a
// programming error and panics.
func FlagsFromParams(name string, params any) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	if err := BindFlags(params, flagSet); err != nil {
		panic(fmt.Sprintf("cli: flags for %q: %v", name, err))
	}
	return flagSet
}

// BindFlags registers one flag per tagged field of params on flagSet.
//
// Tags:
//
//	flag:"name" or flag:"name,n"   long name and optional shorthand
//	desc:"..."                     help text
//	default:"..."                  default, parsed per the field type
//
// Supported field types are string, bool, int, int64, time.Duration and
// []string (comma-separated default). Fields of embedded structs are
// bound too, which is how commands share --config and --json.
func BindFlags(params any, flagSet *pflag.FlagSet) error {
	value := reflect.ValueOf(params)
	if value.Kind() != reflect.Pointer || value.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("params must be a pointer to a struct, got %T", params)
	}
	fields, err := taggedFields(value.Elem())
	if err != nil {
		return err
	}
	for _, field := range fields {
		if err := field.register(flagSet); err != nil {
			return fmt.Errorf("--%s: %w", field.name, err)
		}
	}
	return nil
}

// flagField is a struct field destined to become a flag.
type flagField struct {
	name      string
	shorthand string
	usage     string
	fallback  string
	target    any
}

// taggedFields walks a struct value depth-first, descending into
// embedded structs.
func taggedFields(structValue reflect.Value) ([]flagField, error) {
	var fields []flagField
	structType := structValue.Type()
	for index := range structType.NumField() {
		field := structType.Field(index)
		value := structValue.Field(index)
		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			nested, err := taggedFields(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", field.Name, err)
			}
			fields = append(fields, nested...)
			continue
		}
		tag, ok := field.Tag.Lookup("flag")
		if !ok || tag == "" {
			continue
		}
		if !field.IsExported() {
			return nil, fmt.Errorf("%s: tagged field is not exported", field.Name)
		}
		name, shorthand, _ := strings.Cut(tag, ",")
		fields = append(fields, flagField{
			name:      name,
			shorthand: shorthand,
			usage:     field.Tag.Get("desc"),
			fallback:  field.Tag.Get("default"),
			target:    value.Addr().Interface(),
		})
	}
	return fields, nil
}

func (f flagField) register(flagSet *pflag.FlagSet) error {
	switch target := f.target.(type) {
	case *string:
		flagSet.StringVarP(target, f.name, f.shorthand, f.fallback, f.usage)
	case *[]string:
		var fallback []string
		if f.fallback != "" {
			fallback = strings.Split(f.fallback, ",")
		}
		flagSet.StringSliceVarP(target, f.name, f.shorthand, fallback, f.usage)
	case *bool:
		fallback, err := parseFallback(f.fallback, strconv.ParseBool)
		if err != nil {
			return err
		}
		flagSet.BoolVarP(target, f.name, f.shorthand, fallback, f.usage)
	case *int:
		fallback, err := parseFallback(f.fallback, strconv.Atoi)
		if err != nil {
			return err
		}
		flagSet.IntVarP(target, f.name, f.shorthand, fallback, f.usage)
	case *int64:
		fallback, err := parseFallback(f.fallback, func(s string) (int64, error) {
			return strconv.ParseInt(s, 10, 64)
		})
		if err != nil {
			return err
		}
		flagSet.Int64VarP(target, f.name, f.shorthand, fallback, f.usage)
	case *time.Duration:
		fallback, err := parseFallback(f.fallback, time.ParseDuration)
		if err != nil {
			return err
		}
		flagSet.DurationVarP(target, f.name, f.shorthand, fallback, f.usage)
	default:
		return fmt.Errorf("unsupported field type %T", f.target)
	}
	return nil
}

// parseFallback parses a default tag; an empty tag is the zero value.
func parseFallback[T any](text string, parse func(string) (T, error)) (T, error) {
	if text == "" {
		var zero T
		return zero, nil
	}
	value, err := parse(text)
	if err != nil {
		return value, fmt.Errorf("default %q: %w", text, err)
	}
	return value, nil
}
