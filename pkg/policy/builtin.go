package policy

// BuiltinPolicies returns the admission policies shipped with Hoist.
// Rules that read data.hoist.settings stay silent until the setting exists.
func BuiltinPolicies() []Policy {
	return []Policy{
		{
			Name:        "certificate-hostnames",
			Description: "Rejects hostnames no public certificate authority can issue for",
			Severity:    SeverityError,
			Builtin:     true,
			Rego:        certificateHostnamesPolicy,
		},
		{
			Name:        "database-engines",
			Description: "Restricts databases to the engines listed in settings.database_engines",
			Severity:    SeverityError,
			Builtin:     true,
			Rego:        databaseEnginesPolicy,
		},
		{
			Name:        "deploy-freeze",
			Description: "Blocks deployments while settings.deploy_freeze is set",
			Severity:    SeverityError,
			Builtin:     true,
			Rego:        deployFreezePolicy,
		},
		{
			Name:        "immutable-source",
			Description: "Warns when a deployment targets a mutable ref instead of a commit",
			Severity:    SeverityWarning,
			Builtin:     true,
			Rego:        immutableSourcePolicy,
		},
	}
}

const certificateHostnamesPolicy = `package hoist.admission.certificate_hostnames

reserved_suffixes := [".localhost", ".local", ".internal", ".test", ".invalid", ".example"]

hostname := lower(input.certificate.hostname)

deny contains msg if {
	input.operation == "certificate"
	startswith(hostname, "*.")
	msg := sprintf("wildcard hostname %s requires DNS-01 validation, which is not supported", [hostname])
}

deny contains msg if {
	input.operation == "certificate"
	hostname == "localhost"
	msg := "localhost cannot receive a public certificate"
}

deny contains msg if {
	input.operation == "certificate"
	some suffix in reserved_suffixes
	endswith(hostname, suffix)
	msg := sprintf("hostname %s uses the reserved suffix %s", [hostname, suffix])
}

deny contains msg if {
	input.operation == "certificate"
	regex.match(` + "`^[0-9.]+$`" + `, hostname)
	msg := sprintf("%s is an IP address, not a hostname", [hostname])
}

deny contains msg if {
	input.operation == "certificate"
	not contains(hostname, ".")
	hostname != "localhost"
	msg := sprintf("hostname %s is not fully qualified", [hostname])
}
`

const databaseEnginesPolicy = `package hoist.admission.database_engines

deny contains msg if {
	input.operation == "database"
	allowed := data.hoist.settings.database_engines
	count(allowed) > 0
	not input.database.engine in allowed
	msg := sprintf("database engine %s is not allowed; allowed engines: %s", [input.database.engine, concat(", ", allowed)])
}
`

const deployFreezePolicy = `package hoist.admission.deploy_freeze

deny contains msg if {
	input.operation == "deployment"
	data.hoist.settings.deploy_freeze == true
	msg := object.get(data.hoist.settings, "deploy_freeze_reason", "deployments are frozen")
}
`

const immutableSourcePolicy = `package hoist.admission.immutable_source

deny contains violation if {
	input.operation == "deployment"
	ref := input.deployment.source_ref
	not regex.match("^[0-9a-f]{40}$", ref)
	violation := {
		"message": sprintf("source ref %s is mutable; redeploying it may not reproduce this build", [ref]),
		"resource": input.application.id,
	}
}
`
