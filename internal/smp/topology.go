package smp

import "fmt"

// Default distances used when firmware provides no locality table.
const (
	LocalDistance  = 10
	RemoteDistance = 20
)

// Node is one NUMA node and the CPUs that belong to it.
type Node struct {
	ID   int
	CPUs CPUMask
}

// Topology describes the machine's NUMA layout: per-node CPU masks and a
// node-by-node distance matrix.
type Topology struct {
	Nodes    []Node
	Distance [][]uint8
}

// NodeAffinity assigns one CPU to a node, as a firmware locality table would.
type NodeAffinity struct {
	CPU  int
	Node int
}

// BuildTopology derives the NUMA layout for the possible CPUs. With no
// affinity data every CPU lands in a single node with self-distance 10;
// otherwise nodes follow the assignments and unassigned CPUs join node 0.
func BuildTopology(possible CPUMask, affinity []NodeAffinity) (Topology, error) {
	if len(affinity) == 0 {
		return Topology{
			Nodes:    []Node{{ID: 0, CPUs: possible}},
			Distance: [][]uint8{{LocalDistance}},
		}, nil
	}

	nodeFor := make(map[int]int)
	maxNode := 0
	for _, a := range affinity {
		if !possible.Test(a.CPU) {
			return Topology{}, fmt.Errorf("smp: affinity names CPU %d outside possible set", a.CPU)
		}
		if a.Node < 0 {
			return Topology{}, fmt.Errorf("smp: affinity names negative node %d", a.Node)
		}
		nodeFor[a.CPU] = a.Node
		if a.Node > maxNode {
			maxNode = a.Node
		}
	}

	nodes := make([]Node, maxNode+1)
	for i := range nodes {
		nodes[i].ID = i
	}
	possible.ForEach(func(id int) {
		node := nodeFor[id]
		nodes[node].CPUs = nodes[node].CPUs.Set(id)
	})

	distance := make([][]uint8, len(nodes))
	for i := range distance {
		distance[i] = make([]uint8, len(nodes))
		for j := range distance[i] {
			if i == j {
				distance[i][j] = LocalDistance
			} else {
				distance[i][j] = RemoteDistance
			}
		}
	}
	return Topology{Nodes: nodes, Distance: distance}, nil
}

// NodeOf returns the node containing the CPU, or -1.
func (t Topology) NodeOf(cpu int) int {
	for _, node := range t.Nodes {
		if node.CPUs.Test(cpu) {
			return node.ID
		}
	}
	return -1
}
