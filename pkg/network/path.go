package network

import (
	"container/heap"
	"math"

	"github.com/xbeemesh/pkg/models"
)

// Penalty is added to the cost of stepping onto a visited node, and of a
// first hop whose hardware address is unknown. It ranks such hops last
// without making them unreachable.
const Penalty = 9999999

type candidate struct {
	dist float64
	addr models.Address
}

type queue []candidate

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].addr < q[j].addr
}
func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x any)   { *q = append(*q, x.(candidate)) }
func (q *queue) Pop() any {
	old := *q
	c := old[len(old)-1]
	*q = old[:len(old)-1]
	return c
}

// Path returns the least-antireliability route from one node to another,
// excluding from and including to. Nodes in visited are avoided unless no
// other route exists. The result is empty when to is unreachable or equal
// to from.
func (n *Network) Path(from, to models.Address, visited models.Path) models.Path {
	n.mu.Lock()
	defer n.mu.Unlock()

	if from == to || n.nodes[from] == nil || n.nodes[to] == nil {
		return nil
	}

	var (
		dist     [256]float64
		previous [256]models.Address
		reached  [256]bool
	)
	for i := range dist {
		dist[i] = math.Inf(1)
	}
	dist[from] = 0

	q := &queue{{dist: 0, addr: from}}
	for q.Len() > 0 {
		cur := heap.Pop(q).(candidate)
		if cur.dist > dist[cur.addr] {
			continue
		}
		for _, next := range n.sortedNeighbours(cur.addr) {
			cost := cur.dist + n.neighbours[cur.addr][next].Antireliability()
			if visited.Contains(next) {
				cost += Penalty
			}
			if cur.addr == from {
				if node := n.nodes[next]; node == nil || node.MAC == 0 {
					cost += Penalty
				}
			}
			if cost < dist[next] {
				dist[next] = cost
				previous[next] = cur.addr
				reached[next] = true
				heap.Push(q, candidate{dist: cost, addr: next})
			}
		}
	}

	if !reached[to] {
		return nil
	}
	var path models.Path
	for at := to; at != from; at = previous[at] {
		path = append(path, at)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
