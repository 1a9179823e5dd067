package policy

// GetBuiltinPolicies returns the policies shipped with unitctl. They read
// input.plan.resource_changes and input.unit.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		productionDestroyPolicy(),
		s3PublicAccessPolicy(),
		kmsRotationPolicy(),
		iamWildcardPolicy(),
		ownerTagPolicy(),
	}
}

func productionDestroyPolicy() Policy {
	return Policy{
		Name:        "production-destroy",
		Description: "Production units must not destroy resources",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"production", "safety"},
		Rego: `package unitctl.policies.production_destroy

import rego.v1

deny contains violation if {
	input.unit.environment == "production"
	some rc in input.plan.resource_changes
	"delete" in rc.change.actions
	violation := {
		"message": sprintf("%s would be destroyed in production account %s", [rc.address, input.unit.account]),
		"severity": "critical",
		"resource_address": rc.address,
	}
}
`,
	}
}

func s3PublicAccessPolicy() Policy {
	return Policy{
		Name:        "s3-public-access",
		Description: "Buckets must not be made public",
		Severity:    SeverityHigh,
		Enabled:     true,
		Tags:        []string{"s3", "security"},
		Rego: `package unitctl.policies.s3_public_access

import rego.v1

public_acls := {"public-read", "public-read-write", "authenticated-read"}

block_settings := ["block_public_acls", "block_public_policy", "ignore_public_acls", "restrict_public_buckets"]

writes(rc) if {
	some action in rc.change.actions
	action in {"create", "update"}
}

deny contains violation if {
	some rc in input.plan.resource_changes
	rc.type == "aws_s3_bucket_acl"
	writes(rc)
	rc.change.after.acl in public_acls
	violation := {
		"message": sprintf("%s grants %s", [rc.address, rc.change.after.acl]),
		"severity": "high",
		"resource_address": rc.address,
	}
}

deny contains violation if {
	some rc in input.plan.resource_changes
	rc.type == "aws_s3_bucket_public_access_block"
	writes(rc)
	some setting in block_settings
	rc.change.after[setting] == false
	violation := {
		"message": sprintf("%s disables %s", [rc.address, setting]),
		"severity": "high",
		"resource_address": rc.address,
	}
}
`,
	}
}

func kmsRotationPolicy() Policy {
	return Policy{
		Name:        "kms-key-rotation",
		Description: "Symmetric KMS keys must enable automatic rotation",
		Severity:    SeverityMedium,
		Enabled:     true,
		Tags:        []string{"kms", "security"},
		Rego: `package unitctl.policies.kms_rotation

import rego.v1

writes(rc) if {
	some action in rc.change.actions
	action in {"create", "update"}
}

symmetric(after) if object.get(after, "customer_master_key_spec", null) in {null, "SYMMETRIC_DEFAULT"}

deny contains violation if {
	some rc in input.plan.resource_changes
	rc.type == "aws_kms_key"
	writes(rc)
	symmetric(rc.change.after)
	not rc.change.after.enable_key_rotation == true
	violation := {
		"message": sprintf("%s does not enable key rotation", [rc.address]),
		"severity": "medium",
		"resource_address": rc.address,
	}
}
`,
	}
}

func iamWildcardPolicy() Policy {
	return Policy{
		Name:        "iam-wildcard-action",
		Description: "IAM policies must not allow every action",
		Severity:    SeverityHigh,
		Enabled:     true,
		Tags:        []string{"iam", "security"},
		Rego: `package unitctl.policies.iam_wildcard

import rego.v1

policy_types := {"aws_iam_policy", "aws_iam_role_policy", "aws_iam_user_policy", "aws_iam_group_policy"}

statements(doc) := doc.Statement if is_array(doc.Statement)

statements(doc) := [doc.Statement] if is_object(doc.Statement)

wildcard(actions) if actions == "*"

wildcard(actions) if {
	is_array(actions)
	"*" in actions
}

deny contains violation if {
	some rc in input.plan.resource_changes
	rc.type in policy_types
	is_string(rc.change.after.policy)
	doc := json.unmarshal(rc.change.after.policy)
	some stmt in statements(doc)
	stmt.Effect == "Allow"
	wildcard(stmt.Action)
	violation := {
		"message": sprintf("%s allows all actions", [rc.address]),
		"severity": "high",
		"resource_address": rc.address,
	}
}
`,
	}
}

func ownerTagPolicy() Policy {
	return Policy{
		Name:        "owner-tag",
		Description: "Taggable resources should carry an Owner tag",
		Severity:    SeverityLow,
		Enabled:     true,
		Tags:        []string{"tagging"},
		Rego: `package unitctl.policies.owner_tag

import rego.v1

has_owner(after) if after.tags.Owner

has_owner(after) if after.tags.owner

deny contains violation if {
	some rc in input.plan.resource_changes
	"create" in rc.change.actions
	is_object(rc.change.after)
	"tags" in object.keys(rc.change.after)
	not has_owner(rc.change.after)
	violation := {
		"message": sprintf("%s has no Owner tag", [rc.address]),
		"severity": "low",
		"resource_address": rc.address,
	}
}
`,
	}
}
