package rbac

type Role string
type Action string

// Collaborator permissions mirror the document's collaborator list; the owner
// sits above all of them.
const (
	RoleNone  Role = ""
	RoleRead  Role = "read"
	RoleWrite Role = "write"
	RoleAdmin Role = "admin"
	RoleOwner Role = "owner"
)

const (
	ActionJoin   Action = "join"
	ActionEdit   Action = "edit"
	ActionManage Action = "manage"
	ActionDelete Action = "delete"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleAdmin:
		return action == ActionJoin || action == ActionEdit || action == ActionManage
	case RoleWrite:
		return action == ActionJoin || action == ActionEdit
	case RoleRead:
		return action == ActionJoin
	default:
		return false
	}
}

// Normalize maps a stored collaborator permission onto a role. Unknown values
// fall back to read, the collaborator default.
func Normalize(permission string) Role {
	switch Role(permission) {
	case RoleRead, RoleWrite, RoleAdmin, RoleOwner:
		return Role(permission)
	default:
		return RoleRead
	}
}
