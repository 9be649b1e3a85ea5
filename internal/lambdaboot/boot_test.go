package lambdaboot

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/cockroachdb/errors"
)

type stubSSM struct {
	params map[string]string
	asked  []string
}

func (s *stubSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	s.asked = append(s.asked, *in.Name)
	if !aws.ToBool(in.WithDecryption) {
		return nil, errors.New("expected decryption")
	}
	v, ok := s.params[*in.Name]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(v)}}, nil
}

func TestLoadSecret(t *testing.T) {
	client := &stubSSM{params: map[string]string{
		DefaultGeminiKeyParam: "from-default",
		"/custom/key":         "from-custom",
	}}
	ctx := context.Background()

	got, err := LoadSecret(ctx, client, "from-env", "SSM_GEMINI_KEY_PARAM", DefaultGeminiKeyParam)
	if err != nil || got != "from-env" {
		t.Errorf("expected existing value kept, got %q (%v)", got, err)
	}
	if len(client.asked) != 0 {
		t.Error("expected no SSM call when the value is already set")
	}

	t.Setenv("SSM_GEMINI_KEY_PARAM", "")
	got, err = LoadSecret(ctx, client, "", "SSM_GEMINI_KEY_PARAM", DefaultGeminiKeyParam)
	if err != nil || got != "from-default" {
		t.Errorf("expected default parameter, got %q (%v)", got, err)
	}

	t.Setenv("SSM_GEMINI_KEY_PARAM", "/custom/key")
	got, err = LoadSecret(ctx, client, "", "SSM_GEMINI_KEY_PARAM", DefaultGeminiKeyParam)
	if err != nil || got != "from-custom" {
		t.Errorf("expected overridden parameter, got %q (%v)", got, err)
	}

	if _, err := LoadSecret(ctx, client, "", "SSM_ADMIN_PASSWORD_PARAM", DefaultAdminPasswordParam); err == nil {
		t.Error("expected error for a missing parameter")
	}
}
