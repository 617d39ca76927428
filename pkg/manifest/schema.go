package manifest

import (
	"fmt"

	"cuelang.org/go/cue"
)

// schemaSource constrains every manifest, whichever format it was written in.
// Entries may be given as a list or as a map keyed by name.
const schemaSource = `
#Name: =~"^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$"

#Application: {
	name?:       #Name
	driver?:     string & !=""
	repository?: string & !=""
	branch?:     string & !=""
	hostnames?: [...string & !=""]
	deploy?: string & !=""
}

#Database: {
	name?:   #Name
	engine:  "postgres" | "mysql" | "redis"
	driver?: string & !=""
}

#Manifest: {
	project?: string & !=""
	driver?:  string & !=""
	applications?: {[#Name]: #Application} | [...#Application]
	databases?: {[#Name]: #Database} | [...#Database]
}
`

// compileSchema returns the #Manifest definition compiled in ctx.
func compileSchema(ctx *cue.Context) (cue.Value, error) {
	val := ctx.CompileString(schemaSource, cue.Filename("manifest.schema.cue"))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile manifest schema: %w", err)
	}
	def := val.LookupPath(cue.MakePath(cue.Def("#Manifest")))
	if err := def.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("lookup manifest schema: %w", err)
	}
	return def, nil
}
