package catalogs

import (
	"encoding/json"
	"fmt"
)

// BuilderKind is the shape of the recipes a process family produces.
type BuilderKind int

const (
	BuilderUnknown BuilderKind = iota
	BuilderSimple
	BuilderIntCircuit
	BuilderArcFurnace
	BuilderCutter
	BuilderBlastFurnace
	BuilderImplosion
	BuilderFusion
	BuilderAssemblyLine
)

var builderNames = map[BuilderKind]string{
	BuilderSimple:       "simple",
	BuilderIntCircuit:   "int_circuit",
	BuilderArcFurnace:   "arc_furnace",
	BuilderCutter:       "cutter",
	BuilderBlastFurnace: "blast_furnace",
	BuilderImplosion:    "implosion",
	BuilderFusion:       "fusion",
	BuilderAssemblyLine: "assembly_line",
}

func (k BuilderKind) String() string {
	if s, ok := builderNames[k]; ok {
		return s
	}
	return "unknown"
}

// Parallelizable reports whether recipes of this shape can run inside a
// processing unit. Multiblock-only shapes carry data (heat, explosives,
// research) a single unit slot cannot provide.
func (k BuilderKind) Parallelizable() bool {
	switch k {
	case BuilderSimple, BuilderIntCircuit, BuilderArcFurnace, BuilderCutter:
		return true
	default:
		return false
	}
}

func ParseBuilderKind(s string) (BuilderKind, error) {
	for k, name := range builderNames {
		if name == s {
			return k, nil
		}
	}
	return BuilderUnknown, fmt.Errorf("unknown builder kind %q", s)
}

func (k BuilderKind) MarshalJSON() ([]byte, error) { return json.Marshal(k.String()) }

func (k *BuilderKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseBuilderKind(s)
	if err != nil {
		return err
	}
	*k = v
	return nil
}
