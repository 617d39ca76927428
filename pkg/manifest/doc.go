// Package manifest reads declarative project manifests and applies them to the
// control plane.
//
// A manifest names a project, a default driver, and the applications and
// databases the project should have. It can be written in CUE, in JSON, or as
// a Starlark program:
//
//	project: "shop"
//	driver:  "edge"
//
//	applications: web: {
//		repository: "acme/shop"
//		branch:     "main"
//		hostnames: ["shop.example.com"]
//		deploy:     "v1.4.2"
//	}
//
//	databases: orders: engine: "postgres"
//
// Several CUE files, or every .cue file of a directory, are unified into one
// manifest. A Starlark program sets the same top-level names; application()
// and database() build entries and Options.Vars are predeclared.
//
// Whatever the format, the result is checked against a closed CUE schema and
// then against struct tags, so unknown fields and malformed names are
// reported with their position when the source has one.
//
// Apply only creates. Entities that already exist are left alone, and a
// declared deploy ref is requested when it differs from the current
// deployment's source.
package manifest
