// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

// Package validation provides struct validation using go-playground/validator v10.
// It provides a thread-safe singleton validator whose field errors are named
// by their dotted configuration path (koanf tags), e.g. "osc.blobs_port".
//
// Example usage:
//
//	type OSCConfig struct {
//	    Port int `koanf:"port" validate:"gte=0,lte=65535"`
//	}
//
//	if err := validation.ValidateStruct(&cfg); err != nil {
//	    for _, f := range err.Fields() {
//	        fmt.Println(f.Path(), f.Error())
//	    }
//	}
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// singleton validator instance
var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError is one failed field, named by its dotted path.
type FieldError struct {
	path    string
	tag     string
	param   string
	value   interface{}
	message string
}

// Path returns the dotted path of the field, e.g. "manager.store.kind".
func (e *FieldError) Path() string { return e.path }

// Tag returns the validation tag that failed, or "" for checks added by hand.
func (e *FieldError) Tag() string { return e.tag }

// Param returns the parameter for the validation tag (e.g., "100" for "max=100").
func (e *FieldError) Param() string { return e.param }

// Value returns the actual value that failed validation.
func (e *FieldError) Value() interface{} { return e.value }

// Error returns a human-readable error message.
func (e *FieldError) Error() string { return e.message }

// Error aggregates field errors. It is returned whole so an operator sees
// every problem at once.
type Error struct {
	fields []FieldError
}

// Fields returns the field errors sorted by path.
func (e *Error) Fields() []FieldError {
	out := append([]FieldError(nil), e.fields...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// Messages returns path -> message. A path failing twice keeps the first.
func (e *Error) Messages() map[string]string {
	out := make(map[string]string, len(e.fields))
	for _, f := range e.fields {
		if _, ok := out[f.path]; !ok {
			out[f.path] = f.message
		}
	}
	return out
}

// Add records a failure found outside the struct tags.
func (e *Error) Add(path, message string) {
	e.fields = append(e.fields, FieldError{path: path, message: message})
}

// Merge appends every field of other under prefix ("" keeps paths as is).
func (e *Error) Merge(prefix string, other *Error) {
	if other == nil {
		return
	}
	for _, f := range other.fields {
		if prefix != "" {
			f.path = prefix + "." + f.path
		}
		e.fields = append(e.fields, f)
	}
}

// Empty reports whether no field failed.
func (e *Error) Empty() bool { return e == nil || len(e.fields) == 0 }

// Err returns e as an error, or nil when empty.
func (e *Error) Err() error {
	if e.Empty() {
		return nil
	}
	return e
}

// Error implements the error interface, returning a combined error message.
func (e *Error) Error() string {
	if len(e.fields) == 0 {
		return "validation failed"
	}
	fields := e.Fields()
	messages := make([]string, 0, len(fields))
	for _, f := range fields {
		messages = append(messages, f.path+": "+f.message)
	}
	return strings.Join(messages, "; ")
}

// GetValidator returns the singleton validator instance.
// Field names are taken from koanf tags so errors carry config paths.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("koanf"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return strings.ToLower(fld.Name)
			}
			return name
		})
		// An absolute HTTP path such as "/" or "/osc".
		_ = validate.RegisterValidation("abspath", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			return strings.HasPrefix(s, "/") && !strings.ContainsAny(s, " ?#")
		})
	})

	return validate
}

// ValidateStruct validates a struct using the singleton validator.
// Returns nil if validation passes, or *Error if validation fails.
func ValidateStruct(s interface{}) *Error {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return &Error{fields: []FieldError{{path: "unknown", tag: "unknown", message: err.Error()}}}
	}

	fields := make([]FieldError, len(validationErrs))
	for i, fieldErr := range validationErrs {
		fields[i] = FieldError{
			path:    fieldPath(fieldErr.Namespace()),
			tag:     fieldErr.Tag(),
			param:   fieldErr.Param(),
			value:   fieldErr.Value(),
			message: translateError(fieldErr),
		}
	}
	return &Error{fields: fields}
}

// fieldPath drops the root struct name: "Config.osc.port" -> "osc.port".
func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

// errorMessageTemplates maps validation tags to messages without param.
var errorMessageTemplates = map[string]string{
	"required": "is required",
	"abspath":  "must be an absolute path starting with /",
	"url":      "must be a valid URL",
	"hostname": "must be a valid hostname",
	"ip":       "must be a valid IP address",

	"hostname_port": "must be host:port",
}

// errorMessageWithParam maps validation tags to templates that include param.
var errorMessageWithParam = map[string]string{
	"oneof":       "must be one of: %s",
	"gte":         "must be greater than or equal to %s",
	"lte":         "must be less than or equal to %s",
	"gt":          "must be greater than %s",
	"lt":          "must be less than %s",
	"required_if": "is required when %s",
}

// translateError converts a validator.FieldError to a human-readable message.
func translateError(fe validator.FieldError) string {
	tag := fe.Tag()
	param := fe.Param()

	if msg, ok := errorMessageTemplates[tag]; ok {
		return msg
	}
	if template, ok := errorMessageWithParam[tag]; ok {
		return fmt.Sprintf(template, param)
	}
	return translateMinMax(fe, tag, param)
}

// translateMinMax handles min/max validation with type-specific messages.
func translateMinMax(fe validator.FieldError, tag, param string) string {
	isString := fe.Kind() == reflect.String

	switch tag {
	case "min":
		if isString {
			return fmt.Sprintf("must be at least %s characters", param)
		}
		return fmt.Sprintf("must be at least %s", param)
	case "max":
		if isString {
			return fmt.Sprintf("must be at most %s characters", param)
		}
		return fmt.Sprintf("must be at most %s", param)
	default:
		return fmt.Sprintf("failed %s validation", tag)
	}
}
