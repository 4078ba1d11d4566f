package versions

import "github.com/google/uuid"

// uuidProvider issues the row identifiers for entities, drafts, published
// versions, and history snapshots. V7 ids embed a creation timestamp, so
// history ids from one process are time-ordered.
type uuidProvider struct{}

// NewUUIDProvider constructs the production IDProvider. Tests substitute
// deterministic sequence generators through ServiceConfig.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
