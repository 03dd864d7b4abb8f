package discovery

import (
	"reflect"
	"testing"
)

func TestAnnouncementCbor(t *testing.T) {
	announcements := []Announcement{
		{Type: UDP, Group: 1, Port: 7000, Weight: 10},
		{Type: QUIC, Group: 1, Port: 7001, Weight: 20},
	}

	buff, err := MarshalAnnouncements(announcements)
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := UnmarshalAnnouncements(buff)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(announcements, parsed) {
		t.Fatalf("announcements changed over serialization: %v became %v", announcements, parsed)
	}
}
