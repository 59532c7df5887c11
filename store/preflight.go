package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// IAMAPI is the narrow IAM surface preflight checks need.
type IAMAPI interface {
	SimulatePrincipalPolicy(ctx context.Context, params *iam.SimulatePrincipalPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error)
}

var _ IAMAPI = (*iam.Client)(nil)

// Preflight checks, before a migration starts, that the running principal
// actually holds the permissions the migrator will need against both the
// source and destination ARNs. It is optional: callers without an IAM
// client skip this check entirely.
type Preflight struct {
	api IAMAPI
}

// NewPreflight wraps an IAM client for permission simulation.
func NewPreflight(api IAMAPI) *Preflight {
	return &Preflight{api: api}
}

// RequiredActions lists the IAM actions a full migration run exercises.
var RequiredActions = []string{
	"s3:GetObject",
	"s3:PutObject",
	"s3:ListBucket",
	"s3:DeleteObject",
	"s3:CreateBucket",
}

// Check simulates RequiredActions against resourceARN for principalARN and
// returns an error naming every action that would be denied.
func (p *Preflight) Check(ctx context.Context, principalARN, resourceARN string) error {
	out, err := p.api.SimulatePrincipalPolicy(ctx, &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: aws.String(principalARN),
		ActionNames:     RequiredActions,
		ResourceArns:    []string{resourceARN},
	})
	if err != nil {
		return fmt.Errorf("store: preflight simulation failed: %w", err)
	}
	var denied []string
	for _, result := range out.EvaluationResults {
		if result.EvalDecision != types.PolicyEvaluationDecisionTypeAllowed {
			denied = append(denied, aws.ToString(result.EvalActionName))
		}
	}
	if len(denied) > 0 {
		return fmt.Errorf("store: principal %s missing permissions on %s: %v", principalARN, resourceARN, denied)
	}
	return nil
}
