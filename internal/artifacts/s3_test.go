package artifacts

import "testing"

func TestParseS3URI(t *testing.T) {
	cases := []struct {
		uri    string
		bucket string
		key    string
		ok     bool
	}{
		{"s3://slipway-artifacts/models/fraud/1/model.bin", "slipway-artifacts", "models/fraud/1/model.bin", true},
		{"s3://bucket/key", "bucket", "key", true},
		{"s3://bucket/", "", "", false},
		{"s3://bucket", "", "", false},
		{"https://bucket/key", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		bucket, key, err := ParseS3URI(tc.uri)
		if tc.ok && err != nil {
			t.Fatalf("ParseS3URI(%q): unexpected error %v", tc.uri, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("ParseS3URI(%q): expected error", tc.uri)
			}
			continue
		}
		if bucket != tc.bucket || key != tc.key {
			t.Fatalf("ParseS3URI(%q) = %q,%q; want %q,%q", tc.uri, bucket, key, tc.bucket, tc.key)
		}
	}
}

func TestManifestKey(t *testing.T) {
	key := manifestKey("slipway", "fraud-scorer", 4)
	if key != "slipway/models/fraud-scorer/4/manifest.json" {
		t.Fatalf("unexpected key: %s", key)
	}
	key = manifestKey("", "fraud-scorer", 4)
	if key != "models/fraud-scorer/4/manifest.json" {
		t.Fatalf("unexpected key without prefix: %s", key)
	}
}
