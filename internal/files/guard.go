package files

// ActionKind names a one-shot device action.
type ActionKind string

const (
	ActionRegistered            ActionKind = "registered"
	ActionPermissionSentInitial ActionKind = "permissionSentInitial"
)

// Guard suppresses duplicate one-shot actions across restarts. It only
// prevents re-issue: callers run the action when ShouldRun is true and
// call MarkDone after the action succeeded.
type Guard struct {
	store *LocalStore
}

// NewGuard returns a guard persisting its flags in store.
func NewGuard(store *LocalStore) *Guard {
	return &Guard{store: store}
}

func guardKey(deviceID string, kind ActionKind) string {
	return "guard/" + string(kind) + "/" + deviceID
}

func (g *Guard) ShouldRun(deviceID string, kind ActionKind) bool {
	v, ok := g.store.Get(guardKey(deviceID, kind))
	return !ok || v != "1"
}

func (g *Guard) MarkDone(deviceID string, kind ActionKind) error {
	return g.store.Set(guardKey(deviceID, kind), "1")
}
