package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apmingest/internal/normalize"
)

const frame = "app/models/user.rb:42:in full_name"

var normalizeNow = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func TestComputeDeterministic(t *testing.T) {
	a := Compute("NoMethodError", frame, "UsersController#show")
	b := Compute("NoMethodError", frame, "UsersController#show")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	// Whitespace and the action are irrelevant once a frame is known.
	assert.Equal(t, a, Compute(" NoMethodError ", " "+frame+" ", ""))
}

// Stored issues are keyed by these values; a change here splits every
// existing issue from its future events.
func TestComputeGolden(t *testing.T) {
	assert.Equal(t, "8324edeed5e85683b7d6e02d24b359c23edd9cfdc71bbc36c250703667dcb469",
		Compute("NoMethodError", frame, "UsersController#show"))
	assert.Equal(t, "d62e4193c5ca5c86b44fc5032f70f72bc3de87237ea43858271661b53148d700",
		Compute("Timeout::Error", "", "OrdersController#create"))
}

func TestComputeOriginSensitive(t *testing.T) {
	a := Compute("NoMethodError", frame, "ControllerA#index")
	b := Compute("NoMethodError", frame, "ControllerB#index")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, Compute("NoMethodError", "app/models/user.rb:43:in full_name", "ControllerA#index"))
	assert.NotEqual(t, a, Compute("ArgumentError", frame, "ControllerA#index"))
}

func TestComputeFallsBackToControllerAction(t *testing.T) {
	a := Compute("Timeout::Error", "", "ReportsController#show")
	b := Compute("Timeout::Error", "", "ReportsController#index")
	assert.NotEqual(t, a, b)

	// An action name that happens to equal a frame text must not collide.
	assert.NotEqual(t, Compute("E", "", frame), Compute("E", frame, ""))
}

func TestForEventUsesCanonicalFrame(t *testing.T) {
	mk := func(root, action string) *normalize.ErrorEvent {
		ev, err := normalize.NormalizeError(map[string]any{
			"exception_class":   "NoMethodError",
			"message":           "boom",
			"controller_action": action,
			"backtrace":         []any{root + "/app/models/user.rb:42:in 'full_name'"},
		}, normalizeNow)
		require.NoError(t, err)
		return ev
	}
	a := mk("/srv/releases/1", "UsersController#show")
	b := mk("/srv/releases/2", "AdminController#show")
	assert.Equal(t, ForEvent(a), ForEvent(b))
	assert.Equal(t, Compute("NoMethodError", frame, ""), ForEvent(a))
}

func TestCanonicalTopFrame(t *testing.T) {
	assert.Equal(t, frame, CanonicalTopFrame("/srv/releases/9/app/models/user.rb:42:in `full_name'"))
	assert.Equal(t, frame, CanonicalTopFrame(frame))
	assert.Equal(t, "", CanonicalTopFrame("  "))
	assert.Equal(t, "(eval)", CanonicalTopFrame("(eval)"))
}

func TestNormalizeSQL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT * FROM users WHERE id = 42", "select * from users where id = ?"},
		{"SELECT  *\n FROM \"users\" WHERE \"users\".\"email\" = 'a@b.c' LIMIT 1", "select * from users where users.email = ? limit ?"},
		{"SELECT * FROM posts WHERE user_id IN (1, 2, 3)", "select * from posts where user_id in (?)"},
		{"SELECT * FROM posts WHERE user_id IN ($1,$2)", "select * from posts where user_id in (?)"},
		{"INSERT INTO t (a, b) VALUES (1, 'x'), (2, 'y')", "insert into t (a, b) values (?)"},
		{"/* app:web */ SELECT 1 -- trailing", "select ?"},
		{"SELECT * FROM t WHERE name = 'it''s'", "select * from t where name = ?"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeSQL(tt.in), tt.in)
	}
}

func TestSQLKeyGroupsShapes(t *testing.T) {
	_, a := SQL("SELECT * FROM users WHERE id = 1")
	_, b := SQL("select * from users where id = 2")
	_, c := SQL("SELECT * FROM orders WHERE id = 1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
