package validator

import (
	stdErrors "errors"
	"strings"
	"testing"

	"github.com/charlesng35/sshkit/pkg/errors"
)

type endpointConfig struct {
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"min=1,max=65535"`
	User string `mapstructure:"user" validate:"required"`
}

func TestValidateStructSuccess(t *testing.T) {
	cfg := endpointConfig{
		Host: "bastion.internal",
		Port: 22,
		User: "deploy",
	}

	if err := ValidateStruct(cfg); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateStructFailures(t *testing.T) {
	cfg := endpointConfig{
		Host: "",
		Port: 70000,
		User: "",
	}

	err := ValidateStruct(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if errors.KindOf(err) != errors.KindParameter {
		t.Fatalf("expected parameter kind, got %v", errors.KindOf(err))
	}

	var failures FieldErrors
	if !stdErrors.As(err, &failures) {
		t.Fatalf("expected FieldErrors, got %T", err)
	}
	if len(failures) != 3 {
		t.Fatalf("expected 3 failures, got %d", len(failures))
	}

	// Field names come from the mapstructure tags, not the Go field names.
	foundPort := false
	for _, f := range failures {
		if f.Field == "port" {
			foundPort = true
			if f.Rule != "max" || f.Param != "65535" {
				t.Fatalf("unexpected port failure: %+v", f)
			}
		}
	}
	if !foundPort {
		t.Fatal("expected port field in failures")
	}
	if !strings.Contains(err.Error(), "host violates required") {
		t.Fatalf("expected host failure in message, got %q", err.Error())
	}
}

func TestValidateStructUntaggedFieldName(t *testing.T) {
	type plain struct {
		Retries int `validate:"min=1"`
	}

	err := ValidateStruct(plain{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "Retries") {
		t.Fatalf("expected Go field name for untagged field, got %q", err.Error())
	}
}
