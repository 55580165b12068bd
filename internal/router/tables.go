// ABOUTME: Static classification of logical tables into control-plane and tenant sets
// ABOUTME: Routing decisions start from this table map

package router

// TableClass says which physical store family a logical table belongs to.
type TableClass int

const (
	// ClassUnknown is a table the router has no record of.
	ClassUnknown TableClass = iota
	// ClassControlPlane tables always route to the shared control store.
	ClassControlPlane
	// ClassTenant tables route to one tenant store, resolved per statement.
	ClassTenant
)

// TenantIDColumn is the column name carrying the tenant identifier in
// statements against tenant tables.
const TenantIDColumn = "project_id"

var controlPlaneTables = map[string]bool{
	"_admins":          true,
	"_api_keys":        true,
	"_projects":        true,
	"_sessions":        true,
	"_email_templates": true,
	"_system_checks":   true,
	"_backups":         true,
	"_activity_log":    true,
}

var tenantTables = map[string]bool{
	"collections": true,
	"documents":   true,
	"files":       true,
	"users":       true,
	"api_keys":    true,
	"changelog":   true,
	"folders":     true,
	"permissions": true,
	"versions":    true,
}

// Classify reports the class of a logical table name.
func Classify(table string) TableClass {
	switch {
	case controlPlaneTables[table]:
		return ClassControlPlane
	case tenantTables[table]:
		return ClassTenant
	default:
		return ClassUnknown
	}
}
