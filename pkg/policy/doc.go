// Package policy implements the plan policy gate.
//
// A gate receives the plan document of one unit and returns an
// engine.PolicyVerdict. Two gates are provided:
//
//   - Engine evaluates Rego modules in process with Open Policy Agent
//   - CommandGate runs an external program and reads its verdict from stdout
//
// # Rego Policies
//
// Every module defines a `deny` set. Members are either messages or objects:
//
//	package unitctl.policies.example
//
//	import rego.v1
//
//	deny contains violation if {
//		some rc in input.plan.resource_changes
//		rc.type == "aws_instance"
//		violation := {
//			"message": sprintf("%s is not allowed", [rc.address]),
//			"severity": "high",
//			"resource_address": rc.address,
//		}
//	}
//
// The input document is:
//
//	{
//	  "unit": {"id", "account", "account_id", "region", "project", "environment", "config_path"},
//	  "plan": <show -json output>
//	}
//
// Policy files are loaded with Loader. The comment block at the top of a
// .rego file becomes the description; "# severity: high" and
// "# tags: a, b" lines set the default severity and tags.
//
// # Blocking
//
// A verdict blocks the apply when any violation is critical or high, or when
// it did not pass without naming a violation. Evaluation errors are returned
// as errors and the caller treats them as blocking.
//
// # Built-in Policies
//
//   - production-destroy: no deletes in production units (critical)
//   - s3-public-access: no public bucket ACLs or relaxed public access blocks (high)
//   - iam-wildcard-action: no Allow statements on "*" (high)
//   - kms-key-rotation: symmetric keys rotate (medium)
//   - owner-tag: created resources with tags carry Owner (low)
package policy
