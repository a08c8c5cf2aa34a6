package artifact

import "testing"

func TestDigestBytes_Stable(t *testing.T) {
	a := DigestBytes([]byte("frame"))
	b := DigestBytes([]byte("frame"))
	if a != b {
		t.Fatalf("digest not stable: %q vs %q", a, b)
	}
	if !ValidDigest(a) {
		t.Fatalf("ValidDigest(%q) = false", a)
	}
	if ValidDigest("md5:abc") || ValidDigest("sha256:zz") {
		t.Fatalf("ValidDigest accepted malformed digest")
	}
}

func TestRef_UsableAndSkipped(t *testing.T) {
	r := Ref{Kind: KindVideo, Handle: "video/x.mp4", Digest: DigestBytes([]byte("v"))}
	if !r.Usable() {
		t.Fatalf("expected usable ref")
	}
	s := Skipped(KindVideo, "ffmpeg not installed")
	if s.Usable() || !s.Skipped || s.Note == "" {
		t.Fatalf("unexpected skipped ref: %+v", s)
	}
	if r.SameContent(s) {
		t.Fatalf("skipped ref must not share content")
	}
	if !r.SameContent(Ref{Digest: r.Digest}) {
		t.Fatalf("expected same content for equal digests")
	}
}
