package agent

import (
	"math/rand"

	"ecosim.dev/internal/protocol"
)

// Decision is one tick's intent.
type Decision struct {
	Action string
	Dir    [2]int
}

type Policy interface {
	Decide(tick *protocol.TickMsg, rng *rand.Rand) Decision
}

func ForKind(kind string) Policy {
	if kind == protocol.KindPredator {
		return predatorPolicy{}
	}
	return preyPolicy{}
}

// preyPolicy: flee a nearby predator, otherwise graze. Reproduction
// waits for a safe tick so the child does not spawn next to a hunter.
type preyPolicy struct{}

func (preyPolicy) Decide(tick *protocol.TickMsg, rng *rand.Rand) Decision {
	self := tick.Self
	threat, threatDist := nearest(tick, self.Pos, protocol.KindPredator)

	if threat != nil && threatDist <= tick.Params.SenseRadius {
		return Decision{Action: protocol.ActionMove, Dir: stepAway(tick, self.Pos, threat.Pos, rng)}
	}
	if self.Energy >= tick.Params.ReproPrey {
		return Decision{Action: protocol.ActionReproduce}
	}
	if foodAt(tick, self.Pos) > 0 {
		return Decision{Action: protocol.ActionEat}
	}
	if target, ok := nearestFood(tick, self.Pos); ok {
		return Decision{Action: protocol.ActionMove, Dir: stepToward(self.Pos, target)}
	}
	return Decision{Action: protocol.ActionMove, Dir: randomDir(rng)}
}

// predatorPolicy: hunt the nearest prey in sense range.
type predatorPolicy struct{}

func (predatorPolicy) Decide(tick *protocol.TickMsg, rng *rand.Rand) Decision {
	self := tick.Self
	if self.Energy >= tick.Params.ReproPredator {
		return Decision{Action: protocol.ActionReproduce}
	}
	prey, dist := nearest(tick, self.Pos, protocol.KindPrey)
	if prey != nil {
		if dist == 0 {
			return Decision{Action: protocol.ActionEat}
		}
		if dist <= tick.Params.SenseRadius {
			return Decision{Action: protocol.ActionMove, Dir: stepToward(self.Pos, prey.Pos)}
		}
	}
	return Decision{Action: protocol.ActionMove, Dir: randomDir(rng)}
}

// nearest returns the closest living agent of the given kind, excluding
// self, by Chebyshev distance.
func nearest(tick *protocol.TickMsg, from [2]int, kind string) (*protocol.AgentView, int) {
	var best *protocol.AgentView
	bestDist := 0
	for i := range tick.Agents {
		a := &tick.Agents[i]
		if a.ID == tick.Self.ID || !a.Alive || a.Kind != kind {
			continue
		}
		d := chebyshev(from, a.Pos)
		if best == nil || d < bestDist {
			best = a
			bestDist = d
		}
	}
	return best, bestDist
}

func nearestFood(tick *protocol.TickMsg, from [2]int) ([2]int, bool) {
	r := tick.Params.SenseRadius
	best := [2]int{}
	bestDist := -1
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			x, y := from[0]+dx, from[1]+dy
			if x < 0 || x >= tick.Grid.Width || y < 0 || y >= tick.Grid.Height {
				continue
			}
			if tick.Grid.Food[y*tick.Grid.Width+x] <= 0 {
				continue
			}
			d := chebyshev(from, [2]int{x, y})
			if bestDist < 0 || d < bestDist {
				best = [2]int{x, y}
				bestDist = d
			}
		}
	}
	return best, bestDist >= 0
}

func foodAt(tick *protocol.TickMsg, pos [2]int) int {
	return tick.Grid.Food[pos[1]*tick.Grid.Width+pos[0]]
}

func chebyshev(a, b [2]int) int {
	dx := abs(a[0] - b[0])
	dy := abs(a[1] - b[1])
	if dx > dy {
		return dx
	}
	return dy
}

func stepToward(from, to [2]int) [2]int {
	return [2]int{sign(to[0] - from[0]), sign(to[1] - from[1])}
}

// stepAway moves opposite the threat, sliding along the wall when the
// direct escape is out of bounds.
func stepAway(tick *protocol.TickMsg, from, threat [2]int, rng *rand.Rand) [2]int {
	dir := [2]int{sign(from[0] - threat[0]), sign(from[1] - threat[1])}
	if dir == ([2]int{0, 0}) {
		dir = randomDir(rng)
	}
	if inBounds(tick, from[0]+dir[0], from[1]+dir[1]) {
		return dir
	}
	for _, alt := range [][2]int{{dir[0], 1}, {dir[0], -1}, {0, 1}, {0, -1}, {1, 0}, {-1, 0}} {
		if inBounds(tick, from[0]+alt[0], from[1]+alt[1]) {
			return alt
		}
	}
	return randomDir(rng)
}

func inBounds(tick *protocol.TickMsg, x, y int) bool {
	return x >= 0 && x < tick.Grid.Width && y >= 0 && y < tick.Grid.Height
}

func randomDir(rng *rand.Rand) [2]int {
	dirs := [][2]int{{0, -1}, {1, 0}, {0, 1}, {-1, 0}, {1, 1}, {1, -1}, {-1, 1}, {-1, -1}}
	return dirs[rng.Intn(len(dirs))]
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
