package mapper

import "maps"

// CurrentSchemaVersion is the external record schema this build writes.
// Records without a version are treated as version 1.
const CurrentSchemaVersion = 2

// migrationStep upgrades fields from version n to n+1.
type migrationStep func(fields map[string]any) map[string]any

// migrationSteps is indexed by the source version.
var migrationSteps = map[int]migrationStep{
	1: func(fields map[string]any) map[string]any { return fields },
}

// NeedsMigration reports whether rec is older than CurrentSchemaVersion.
func NeedsMigration(rec ExternalRecord) bool {
	return schemaVersion(rec) < CurrentSchemaVersion
}

// Migrate upgrades rec forward one step at a time up to
// CurrentSchemaVersion. Newer records are returned unchanged.
func Migrate(rec ExternalRecord) ExternalRecord {
	out := rec
	out.Fields = maps.Clone(rec.Fields)
	out.SchemaVersion = schemaVersion(rec)
	for out.SchemaVersion < CurrentSchemaVersion {
		if step, ok := migrationSteps[out.SchemaVersion]; ok {
			out.Fields = step(out.Fields)
		}
		out.SchemaVersion++
	}
	return out
}

func schemaVersion(rec ExternalRecord) int {
	if rec.SchemaVersion <= 0 {
		return 1
	}
	return rec.SchemaVersion
}
