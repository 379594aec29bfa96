package oauth

import "testing"

func TestRequestContext_HandleRequestLatch(t *testing.T) {
	c := NewProcessRequestContext(newTestTransaction(t))

	if c.IsRequestHandled() {
		t.Error("IsRequestHandled() = true on fresh context")
	}
	c.HandleRequest()
	if !c.IsRequestHandled() {
		t.Error("IsRequestHandled() = false after HandleRequest")
	}
	// The latch is one-way: there is no way back.
	c.HandleRequest()
	if !c.IsRequestHandled() {
		t.Error("latch reset by second HandleRequest")
	}
}

func TestRequestContext_SkipRequestLatch(t *testing.T) {
	c := NewProcessRequestContext(newTestTransaction(t))

	if c.IsRequestSkipped() {
		t.Error("IsRequestSkipped() = true on fresh context")
	}
	c.SkipRequest()
	if !c.IsRequestSkipped() {
		t.Error("IsRequestSkipped() = false after SkipRequest")
	}
}

func TestRequestContext_Reject(t *testing.T) {
	c := NewProcessRequestContext(newTestTransaction(t))

	if c.IsRejected() {
		t.Error("IsRejected() = true on fresh context")
	}
	if c.Rejection() != nil {
		t.Error("Rejection() != nil on fresh context")
	}

	c.Reject(ErrorCodeInvalidToken, "token expired", "https://errors.example.com/invalid_token")
	if !c.IsRejected() {
		t.Fatal("IsRejected() = false after Reject")
	}
	rej := c.Rejection()
	if rej == nil {
		t.Fatal("Rejection() = nil after Reject")
	}
	if rej.Code != ErrorCodeInvalidToken || rej.Description != "token expired" {
		t.Errorf("Rejection() = %+v", rej)
	}
}

func TestRequestContext_SecondRejectOverwrites(t *testing.T) {
	c := NewProcessRequestContext(newTestTransaction(t))

	c.Reject(ErrorCodeInvalidToken, "first", "")
	c.Reject(ErrorCodeInsufficientScope, "second", "")

	if !c.IsRejected() {
		t.Fatal("IsRejected() = false after double Reject")
	}
	rej := c.Rejection()
	if rej.Code != ErrorCodeInsufficientScope || rej.Description != "second" {
		t.Errorf("Rejection() = %+v, want the later rejection", rej)
	}
}

func TestStageContexts_StageAssignment(t *testing.T) {
	tx := newTestTransaction(t)

	cases := []struct {
		c    Context
		want Stage
	}{
		{NewProcessRequestContext(tx), StageProcessRequest},
		{NewProcessAuthenticationContext(tx), StageAuthenticate},
		{NewProcessChallengeContext(tx, nil), StageChallenge},
		{NewProcessSignInContext(tx, nil), StageSignIn},
		{NewProcessSignOutContext(tx), StageSignOut},
		{NewProcessErrorContext(tx, nil), StageProcessError},
	}
	for _, tc := range cases {
		if got := tc.c.Stage(); got != tc.want {
			t.Errorf("%T.Stage() = %v, want %v", tc.c, got, tc.want)
		}
		if tc.c.Transaction() != tx {
			t.Errorf("%T.Transaction() does not return the owning transaction", tc.c)
		}
	}
}

func TestNewProcessAuthenticationContext_DefaultIntents(t *testing.T) {
	c := NewProcessAuthenticationContext(newTestTransaction(t))

	if !c.ExtractAccessToken {
		t.Error("ExtractAccessToken = false, want true by default")
	}
	if !c.ValidateAccessToken {
		t.Error("ValidateAccessToken = false, want true by default")
	}
	if c.RequireAccessToken {
		t.Error("RequireAccessToken = true, want false by default")
	}
}

func TestNewProcessChallengeContext_SeededRejection(t *testing.T) {
	rej := &Error{Code: ErrorCodeInvalidToken, Description: "expired"}
	c := NewProcessChallengeContext(newTestTransaction(t), rej)

	if !c.IsRejected() {
		t.Fatal("IsRejected() = false, want seeded rejection")
	}
	if got := c.Rejection(); got.Code != rej.Code || got.Description != rej.Description {
		t.Errorf("Rejection() = %+v, want seed %+v", got, rej)
	}
}

func TestStage_String(t *testing.T) {
	cases := map[Stage]string{
		StageProcessRequest: "process_request",
		StageAuthenticate:   "authenticate",
		StageChallenge:      "challenge",
		StageSignIn:         "sign_in",
		StageSignOut:        "sign_out",
		StageProcessError:   "process_error",
		StageAny:            "any",
		Stage(42):           "invalid",
	}
	for stage, want := range cases {
		if got := stage.String(); got != want {
			t.Errorf("Stage(%d).String() = %q, want %q", stage, got, want)
		}
	}
}
