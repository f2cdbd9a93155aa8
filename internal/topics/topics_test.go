package topics

import "testing"

func TestSocialTopicDeterministic(t *testing.T) {
	secret := [32]byte{0: 42}
	t1 := DeriveSocialThreadTopic("thread-123", &secret)
	t2 := DeriveSocialThreadTopic("thread-123", &secret)
	if t1 != t2 {
		t.Fatal("social topic not deterministic")
	}
}

func TestDifferentSecretsDifferentTopics(t *testing.T) {
	s1 := [32]byte{0: 1}
	s2 := [32]byte{0: 2}
	if DeriveSocialThreadTopic("thread-789", &s1) == DeriveSocialThreadTopic("thread-789", &s2) {
		t.Fatal("distinct secrets produced identical topics")
	}
}

func TestDifferentThreadsDifferentTopics(t *testing.T) {
	secret := [32]byte{0: 7}
	if DeriveSocialThreadTopic("thread-a", &secret) == DeriveSocialThreadTopic("thread-b", &secret) {
		t.Fatal("distinct threads produced identical topics")
	}
}

func TestSocialVsPrivateDiffer(t *testing.T) {
	secret := [32]byte{0: 77}
	if DeriveSocialThreadTopic("thread-abc", &secret) == DerivePrivateThreadTopic("thread-abc", &secret) {
		t.Fatal("social and private domains conflated")
	}
}

func TestDeriveThreadTopicDispatch(t *testing.T) {
	secret := [32]byte{0: 55}
	tests := []struct {
		name       string
		visibility string
		want       [32]byte
	}{
		{"Global", "global", DeriveGlobal()},
		{"Social", "social", DeriveSocialThreadTopic("thread-x", &secret)},
		{"Private", "private", DerivePrivateThreadTopic("thread-x", &secret)},
		{"UnknownDefaultsSocial", "whatever", DeriveSocialThreadTopic("thread-x", &secret)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveThreadTopic("thread-x", tc.visibility, &secret); got != tc.want {
				t.Fatalf("dispatch mismatch for %s", tc.visibility)
			}
		})
	}
}

func TestPeerInbox(t *testing.T) {
	if PeerInboxName("abc") != "peer-abc" {
		t.Fatalf("inbox name = %s", PeerInboxName("abc"))
	}
	if DerivePeerInbox("abc") != DeriveName("peer-abc") {
		t.Fatal("inbox id must match name derivation")
	}
	if DerivePeerInbox("abc") == DerivePeerInbox("abd") {
		t.Fatal("distinct peers produced identical inbox topics")
	}
}

func TestUserTopicDomainSeparated(t *testing.T) {
	// "topic:" prefix keeps user topics out of the raw-name space.
	if DeriveUserTopic("general") == DeriveName("general") {
		t.Fatal("user topic collides with raw name derivation")
	}
}
