package validator

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"fedchat-backend/internal/apperr"

	playground "github.com/go-playground/validator/v10"
)

var (
	usernameRegex   = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	serverNameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.:-]*[a-zA-Z0-9])?$`)
	lowercase       = regexp.MustCompile(`[a-z]`)
	uppercase       = regexp.MustCompile(`[A-Z]`)
	number          = regexp.MustCompile(`\d`)
)

var signalTypes = map[string]struct{}{
	"offer":               {},
	"answer":              {},
	"ice-candidate":       {},
	"hangup":              {},
	"reject":              {},
	"busy":                {},
	"screen-share-start":  {},
	"screen-share-stop":   {},
	"group-offer":         {},
	"group-answer":        {},
	"group-ice-candidate": {},
}

var validate = newValidate()

func newValidate() *playground.Validate {
	v := playground.New(playground.WithRequiredStructEnabled())

	// report json names so errors match what the client sent
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	register := func(tag string, check func(string) error) {
		err := v.RegisterValidation(tag, func(fl playground.FieldLevel) bool {
			return check(fl.Field().String()) == nil
		})
		if err != nil {
			panic(err)
		}
	}
	register("username", Username)
	register("servername", ServerName)
	register("channelname", ChannelName)
	register("signaltype", SignalType)

	return v
}

// Struct validates the `validate` tags of s and turns a failure into a BadRequest.
func Struct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	validationErrors, ok := err.(playground.ValidationErrors)
	if !ok || len(validationErrors) == 0 {
		return apperr.BadRequest("%v", err)
	}

	fields := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return apperr.BadRequest("invalid request: %s", strings.Join(fields, ", "))
}

func Username(username string) error {
	const maxlength = 64

	if username == "" {
		return fmt.Errorf("empty_username")
	}
	if len(username) > maxlength {
		return fmt.Errorf("long_username")
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("bad_format")
	}
	return nil
}

// ServerName accepts host-like federation names such as "b", "chat.example.com" or "b:8443".
func ServerName(name string) error {
	const maxlength = 253

	if name == "" {
		return fmt.Errorf("empty_server_name")
	}
	if len(name) > maxlength {
		return fmt.Errorf("long_server_name")
	}
	if !serverNameRegex.MatchString(name) {
		return fmt.Errorf("bad_format")
	}
	return nil
}

func ChannelName(name string) error {
	const maxlength = 64

	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("empty_channel_name")
	}
	if len(name) > maxlength {
		return fmt.Errorf("long_channel_name")
	}
	if trimmed != name {
		return fmt.Errorf("bad_format")
	}
	return nil
}

func SignalType(signalType string) error {
	if _, ok := signalTypes[signalType]; !ok {
		return fmt.Errorf("unknown_signal_type")
	}
	return nil
}

// Password checks a new local password. bcrypt ignores anything past 72 bytes.
func Password(password string) error {
	length := len(password)
	if length < 8 {
		return fmt.Errorf("short_password")
	} else if length > 72 {
		return fmt.Errorf("long_password")
	}

	if !lowercase.MatchString(password) {
		return fmt.Errorf("no_lowercase")
	}
	if !uppercase.MatchString(password) {
		return fmt.Errorf("no_uppercase")
	}
	if !number.MatchString(password) {
		return fmt.Errorf("no_number")
	}
	return nil
}
