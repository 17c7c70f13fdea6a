package gossip

import (
	"sort"
	"time"

	"murmur/internal/rumor"
)

// Snapshot is an immutable copy of the protocol state. Its three projections
// are independent; each can be rendered on its own.
type Snapshot struct {
	LocalID   string                      `json:"member_id"`
	Departed  bool                        `json:"departed"`
	Taken     time.Time                   `json:"taken"`
	Members   []MemberView                `json:"members"`
	Services  map[string]ServiceGroupView `json:"services"`
	Elections map[string]ElectionView     `json:"elections"`
}

// MemberView is one member as seen locally.
type MemberView struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`
	SwimPort    int       `json:"swim_port"`
	GossipPort  int       `json:"gossip_port"`
	Incarnation uint64    `json:"incarnation"`
	Health      string    `json:"health"`
	Since       time.Time `json:"since"`
	Self        bool      `json:"self"`
}

// ServiceView is the latest announcement of a service by one member.
type ServiceView struct {
	MemberID    string `json:"member_id"`
	Pkg         string `json:"pkg"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Incarnation uint64 `json:"incarnation"`
	Suitability uint64 `json:"suitability"`
	Candidate   bool   `json:"candidate"`
	Leader      bool   `json:"leader"`
	MemberState string `json:"member_health"`
	Cfg         []byte `json:"cfg,omitempty"`
}

// ServiceFileView is a file gossiped to a service group.
type ServiceFileView struct {
	Filename    string `json:"filename"`
	Incarnation uint64 `json:"incarnation"`
	Body        []byte `json:"body"`
}

// ServiceGroupView merges what is known about one service group. Health is
// the latest local check result; HasHealth is false when none was reported.
type ServiceGroupView struct {
	Group     string            `json:"group"`
	Leader    string            `json:"leader,omitempty"`
	Services  []ServiceView     `json:"services"`
	Files     []ServiceFileView `json:"files,omitempty"`
	Health    HealthResult      `json:"-"`
	HasHealth bool              `json:"-"`
}

// HealthString renders the local health result, empty when none exists.
func (v ServiceGroupView) HealthString() string {
	if !v.HasHealth {
		return ""
	}
	return v.Health.String()
}

// ElectionView is the election record of one service group.
type ElectionView struct {
	Group       string            `json:"group"`
	Term        uint64            `json:"term"`
	Status      string            `json:"status"`
	Winner      string            `json:"winner,omitempty"`
	Suitability uint64            `json:"suitability"`
	Candidates  map[string]uint64 `json:"candidates"`
}

// Snapshot copies the current state under the read lock.
func (s *Server) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		LocalID:   s.localID,
		Departed:  s.departed,
		Taken:     s.now(),
		Services:  make(map[string]ServiceGroupView),
		Elections: make(map[string]ElectionView),
	}

	for _, m := range s.members.Members() {
		since, _ := s.members.StateChange(m.ID)
		snap.Members = append(snap.Members, MemberView{
			ID:          m.ID,
			Address:     m.Address,
			SwimPort:    m.SwimPort,
			GossipPort:  m.GossipPort,
			Incarnation: m.Incarnation,
			Health:      m.Health.String(),
			Since:       since,
			Self:        m.ID == s.localID,
		})
	}

	for _, rec := range s.elections.Records() {
		snap.Elections[rec.Group] = ElectionView{
			Group:       rec.Group,
			Term:        rec.Term,
			Status:      rec.Status.String(),
			Winner:      rec.Winner,
			Suitability: rec.Suitability,
			Candidates:  rec.Candidates,
		}
	}

	group := func(name string) ServiceGroupView {
		v, ok := snap.Services[name]
		if !ok {
			v = ServiceGroupView{Group: name}
			if e, ok := snap.Elections[name]; ok {
				v.Leader = e.Winner
			}
		}
		return v
	}
	for _, r := range s.store.ByKind(rumor.KindService) {
		svc := r.(*rumor.Service)
		v := group(svc.Group)
		view := ServiceView{
			MemberID:    svc.From,
			Pkg:         svc.Pkg,
			Host:        svc.Host,
			Port:        svc.Port,
			Incarnation: svc.Incarnation,
			Suitability: svc.Suitability,
			Candidate:   svc.Candidate,
			Leader:      v.Leader != "" && v.Leader == svc.From,
			Cfg:         append([]byte(nil), svc.Cfg...),
		}
		if m, ok := s.members.Get(svc.From); ok {
			view.MemberState = m.Health.String()
		}
		v.Services = append(v.Services, view)
		snap.Services[svc.Group] = v
	}
	for _, r := range s.store.ByKind(rumor.KindServiceFile) {
		f := r.(*rumor.ServiceFile)
		v := group(f.Group)
		v.Files = append(v.Files, ServiceFileView{
			Filename:    f.Filename,
			Incarnation: f.Incarnation,
			Body:        append([]byte(nil), f.Body...),
		})
		snap.Services[f.Group] = v
	}
	for name, h := range s.health {
		v := group(name)
		v.Health = h
		v.HasHealth = true
		snap.Services[name] = v
	}

	for name, v := range snap.Services {
		sort.Slice(v.Services, func(i, j int) bool { return v.Services[i].MemberID < v.Services[j].MemberID })
		snap.Services[name] = v
	}
	return snap
}

// Groups returns the service group names in the snapshot, sorted.
func (s *Snapshot) Groups() []string {
	out := make([]string, 0, len(s.Services))
	for g := range s.Services {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Member returns the view of member id.
func (s *Snapshot) Member(id string) (MemberView, bool) {
	for _, m := range s.Members {
		if m.ID == id {
			return m, true
		}
	}
	return MemberView{}, false
}
