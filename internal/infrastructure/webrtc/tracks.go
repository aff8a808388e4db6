package webrtc

import "meshspace/internal/core/domain"

// trackStore holds one link's classified inbound tracks: three ordered
// sets plus a seen-id index for dedup. Not safe for concurrent use;
// the owning link guards it with its own lock.
type trackStore struct {
	byKind map[domain.TrackKind][]*domain.TrackStream
	seen   map[string]domain.TrackKind
}

func newTrackStore() *trackStore {
	return &trackStore{
		byKind: make(map[domain.TrackKind][]*domain.TrackStream),
		seen:   make(map[string]domain.TrackKind),
	}
}

// add stores a newly classified stream. A track id is classified at
// most once; re-adding a seen id is a no-op and returns false.
func (s *trackStore) add(stream *domain.TrackStream) bool {
	if _, dup := s.seen[stream.ID]; dup {
		return false
	}
	s.seen[stream.ID] = stream.Kind
	s.byKind[stream.Kind] = append(s.byKind[stream.Kind], stream)
	return true
}

// reclassify moves a stored camera track to the screen set, once,
// preserving position order in the destination. It returns the moved
// stream, or nil when the id is unknown or not stored as camera.
func (s *trackStore) reclassify(id string) *domain.TrackStream {
	if s.seen[id] != domain.TrackCamera {
		return nil
	}

	cameras := s.byKind[domain.TrackCamera]
	for i, stream := range cameras {
		if stream.ID != id {
			continue
		}
		s.byKind[domain.TrackCamera] = append(cameras[:i:i], cameras[i+1:]...)
		stream.Kind = domain.TrackScreen
		s.seen[id] = domain.TrackScreen
		s.byKind[domain.TrackScreen] = append(s.byKind[domain.TrackScreen], stream)
		return stream
	}
	return nil
}

// tracks returns the stored streams of one kind in arrival order.
func (s *trackStore) tracks(kind domain.TrackKind) []*domain.TrackStream {
	out := make([]*domain.TrackStream, len(s.byKind[kind]))
	copy(out, s.byKind[kind])
	return out
}

// openKinds lists the kinds that currently hold at least one stream.
func (s *trackStore) openKinds() []domain.TrackKind {
	var kinds []domain.TrackKind
	for _, k := range []domain.TrackKind{domain.TrackAudio, domain.TrackCamera, domain.TrackScreen} {
		if len(s.byKind[k]) > 0 {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// clear drops every stored stream and the seen index.
func (s *trackStore) clear() {
	s.byKind = make(map[domain.TrackKind][]*domain.TrackStream)
	s.seen = make(map[string]domain.TrackKind)
}
