// Package policy implements request admission with Open Policy Agent.
//
// Every deployment, certificate and database request is evaluated against the
// enabled Rego policies before any state changes. A policy reports violations
// through its deny set; each entry is either a message string or an object:
//
//	package hoist.custom.business_hours
//
//	deny contains violation if {
//	    input.operation == "deployment"
//	    input.context.weekday in {"Saturday", "Sunday"}
//	    violation := {
//	        "message": "weekend deployments need an approved change",
//	        "severity": "error",
//	    }
//	}
//
// Violations with severity error or critical reject the request with
// engine.ErrPolicyDenied. Lower severities are logged only.
//
// The input document carries the operation, the application, the deployment
// request, the certificate hostname or the database, and the evaluation time.
// Operator settings from hoist.yaml are visible as data.hoist.settings.
//
// Policy files are .rego modules or JSON definitions ({"name", "rego",
// "severity"}). A .rego file takes its name from the file name, its
// description from the leading comment block and its severity from a
// "# severity: error" comment. Engine.Watch reloads them on change.
package policy
