package auth

// CanReadCollection checks if the token holder can subscribe to / stream
// from a collection.
func CanReadCollection(payload *TokenPayload, collection string) bool {
	if payload == nil {
		return false
	}

	if payload.Permissions.IsAdmin {
		return true
	}

	for _, id := range payload.Permissions.CanRead {
		if id == "*" || id == collection {
			return true
		}
	}

	return false
}

// CanWriteCollection checks if the token holder can insert/update/delete
// documents within a collection.
func CanWriteCollection(payload *TokenPayload, collection string) bool {
	if payload == nil {
		return false
	}

	if payload.Permissions.IsAdmin {
		return true
	}

	for _, id := range payload.Permissions.CanWrite {
		if id == "*" || id == collection {
			return true
		}
	}

	return false
}

// CreateUserPermissions builds non-admin permissions scoped to the given
// collections.
func CreateUserPermissions(canRead, canWrite []string) CollectionPermissions {
	return CollectionPermissions{
		CanRead:  canRead,
		CanWrite: canWrite,
		IsAdmin:  false,
	}
}

// CreateAdminPermissions builds permissions with full access to every
// collection.
func CreateAdminPermissions() CollectionPermissions {
	return CollectionPermissions{
		CanRead:  []string{"*"},
		CanWrite: []string{"*"},
		IsAdmin:  true,
	}
}
