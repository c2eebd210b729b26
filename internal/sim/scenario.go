package sim

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"repoguard.org/internal/activity"
)

// Developer is one synthetic engineer with a stable working pattern.
type Developer struct {
	UserID    string
	DeviceID  string
	Home      string
	StartHour int
	EndHour   int
	IPs       []string
	Locations []string
}

type Scenario struct {
	Name         string
	Developers   []Developer
	Repositories []string
	Files        []string
}

// TeamScenario is a small team working office hours on three repositories.
func TeamScenario() Scenario {
	return Scenario{
		Name: "OfficeHoursTeam",
		Developers: []Developer{
			{UserID: "dev-ana", DeviceID: "dev-ana-laptop", Home: "/home/ana/src", StartHour: 9, EndHour: 17, IPs: []string{"10.20.0.11"}, Locations: []string{"Almaty"}},
			{UserID: "dev-ben", DeviceID: "dev-ben-laptop", Home: "/home/ben/src", StartHour: 10, EndHour: 19, IPs: []string{"10.20.0.12", "10.20.0.13"}, Locations: []string{"Almaty", "Astana"}},
			{UserID: "dev-cho", DeviceID: "dev-cho-desktop", Home: "/home/cho/src", StartHour: 8, EndHour: 16, IPs: []string{"10.20.0.14"}, Locations: []string{"Astana"}},
		},
		Repositories: []string{"payments-core", "ledger-api", "web-console"},
		Files:        []string{"main.go", "handler.go", "store.go", "README.md", "schema.sql", "app.ts"},
	}
}

var routine = []activity.Type{
	activity.TypePull, activity.TypeCommit, activity.TypeCommit,
	activity.TypePush, activity.TypeCheckout, activity.TypeCommit,
}

// Generator produces deterministic activity for a fixed seed.
type Generator struct {
	scenario Scenario
	rnd      *rand.Rand
}

func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{scenario: TeamScenario(), rnd: rand.New(rand.NewSource(seed))}
}

func (g *Generator) Developers() []Developer {
	return append([]Developer(nil), g.scenario.Developers...)
}

func (g *Generator) OverrideDevelopers(devs []Developer) {
	g.scenario.Developers = append([]Developer(nil), devs...)
}

// Routine returns one in-hours activity of d on the day of day.
func (g *Generator) Routine(d Developer, day time.Time) activity.Event {
	hour := d.StartHour
	if span := d.EndHour - d.StartHour; span > 0 {
		hour += g.rnd.Intn(span)
	}
	at := time.Date(day.Year(), day.Month(), day.Day(), hour, g.rnd.Intn(60), 0, 0, time.UTC)
	repo := g.pick(g.scenario.Repositories)
	typ := routine[g.rnd.Intn(len(routine))]
	return activity.Event{
		UserID:       d.UserID,
		DeviceID:     d.DeviceID,
		Type:         typ,
		RepositoryID: repo,
		Branch:       "main",
		IPAddress:    g.pick(d.IPs),
		Location:     g.pick(d.Locations),
		Timestamp:    at,
		Details: activity.GitOperation{
			RepositoryPath: d.Home + "/" + repo,
			Files:          g.files(),
			Command:        "git " + strings.ToLower(string(typ)),
		},
	}
}

// History returns perDay routine events for every developer on each of the
// days ending the day before end, oldest first.
func (g *Generator) History(end time.Time, days, perDay int) []activity.Event {
	var out []activity.Event
	for i := days; i >= 1; i-- {
		day := end.AddDate(0, 0, -i)
		for _, d := range g.scenario.Developers {
			for n := 0; n < perDay; n++ {
				out = append(out, g.Routine(d, day))
			}
		}
	}
	return out
}

// Exfiltration is an off-hours clone of an unfamiliar repository onto a
// removable drive from a new address.
func (g *Generator) Exfiltration(d Developer, at time.Time) activity.Event {
	repo := "secrets-" + g.pick(g.scenario.Repositories)
	return activity.Event{
		UserID:       d.UserID,
		DeviceID:     d.DeviceID,
		Type:         activity.TypeClone,
		RepositoryID: repo,
		IPAddress:    fmt.Sprintf("198.51.100.%d", g.rnd.Intn(200)+1),
		Location:     "Unknown",
		Timestamp:    at,
		Details: activity.GitOperation{
			RepositoryPath:   "/media/usb0/" + repo,
			OriginalLocation: d.Home + "/" + repo,
			Files:            []string{"id_rsa.pem", "dump.bin", "keys.kdbx"},
			Command:          "git clone",
		},
	}
}

func (g *Generator) files() []string {
	n := g.rnd.Intn(3) + 1
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, g.pick(g.scenario.Files))
	}
	return out
}

func (g *Generator) pick(xs []string) string {
	if len(xs) == 0 {
		return ""
	}
	return xs[g.rnd.Intn(len(xs))]
}
