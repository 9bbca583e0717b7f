package spec

import (
	"encoding/xml"
	"fmt"
	"time"
)

// Parser turns a specification document into the in-memory model.
type Parser interface {
	Parse(data []byte) (*Specification, []Diagnostic, error)
}

// XMLParser binds the YAWL XML schema subset the engine understands.
// Unknown elements are ignored for forward compatibility.
type XMLParser struct{}

// Flows without an explicit ordering keep document order; an unmarked
// default branch sorts after every explicit branch.
const defaultBranchOrdering = 1 << 30

type xmlSpecificationSet struct {
	XMLName        xml.Name           `xml:"specificationSet"`
	Version        string             `xml:"version,attr"`
	Specifications []xmlSpecification `xml:"specification"`
}

type xmlSpecification struct {
	URI            string             `xml:"uri,attr"`
	MetaData       xmlMetaData        `xml:"metaData"`
	Decompositions []xmlDecomposition `xml:"decomposition"`
}

type xmlMetaData struct {
	Identifier string `xml:"identifier"`
	Version    string `xml:"version"`
	Title      string `xml:"title"`
}

type xmlDecomposition struct {
	ID        string              `xml:"id,attr"`
	IsRootNet bool                `xml:"isRootNet,attr"`
	Process   *xmlProcessElements `xml:"processControlElements"`
	Variables []xmlLocalVariable  `xml:"localVariable"`
}

type xmlProcessElements struct {
	InputCondition  xmlCondition   `xml:"inputCondition"`
	Tasks           []xmlTask      `xml:"task"`
	Conditions      []xmlCondition `xml:"condition"`
	OutputCondition xmlCondition   `xml:"outputCondition"`
}

type xmlCondition struct {
	ID        string         `xml:"id,attr"`
	FlowsInto []xmlFlowsInto `xml:"flowsInto"`
}

type xmlTask struct {
	ID            string            `xml:"id,attr"`
	Skippable     bool              `xml:"skippable,attr"`
	Retries       int               `xml:"retries,attr"`
	Name          string            `xml:"name"`
	FlowsInto     []xmlFlowsInto    `xml:"flowsInto"`
	Join          xmlCode           `xml:"join"`
	Split         xmlCode           `xml:"split"`
	RemovesTokens []xmlRef          `xml:"removesTokens"`
	MultiInstance *xmlMultiInstance `xml:"multipleInstance"`
	Starting      *xmlMappings      `xml:"startingMappings"`
	Completed     *xmlMappings      `xml:"completedMappings"`
	DecomposesTo  *xmlRef           `xml:"decomposesTo"`
	Timer         *xmlTimer         `xml:"timer"`
}

type xmlFlowsInto struct {
	Next      xmlRef        `xml:"nextElementRef"`
	Predicate *xmlPredicate `xml:"predicate"`
	IsDefault *struct{}     `xml:"isDefaultFlow"`
}

type xmlPredicate struct {
	Ordering *int   `xml:"ordering,attr"`
	Value    string `xml:",chardata"`
}

type xmlCode struct {
	Code string `xml:"code,attr"`
}

type xmlRef struct {
	ID string `xml:"id,attr"`
}

type xmlTimer struct {
	Duration string `xml:"duration,attr"`
}

type xmlMultiInstance struct {
	Minimum      int             `xml:"minimum"`
	Maximum      int             `xml:"maximum"`
	Threshold    int             `xml:"threshold"`
	CreationMode xmlCode         `xml:"creationMode"`
	MIDataInput  *xmlMIDataInput `xml:"miDataInput"`
}

type xmlMIDataInput struct {
	Expression xmlQuery `xml:"expression"`
}

type xmlQuery struct {
	Query string `xml:"query,attr"`
}

type xmlMappings struct {
	Mappings []xmlMapping `xml:"mapping"`
}

type xmlMapping struct {
	Expression xmlQuery `xml:"expression"`
	MapsTo     string   `xml:"mapsTo"`
}

type xmlLocalVariable struct {
	Name    string `xml:"name"`
	Type    string `xml:"type"`
	Initial string `xml:"initialValue"`
}

// Parse unmarshals one specification document. A malformed document is an
// error; semantic problems surface as diagnostics after finalisation.
func (XMLParser) Parse(data []byte) (*Specification, []Diagnostic, error) {
	var set xmlSpecificationSet
	if err := xml.Unmarshal(data, &set); err != nil {
		return nil, nil, fmt.Errorf("failed to parse specification XML: %w", err)
	}
	if len(set.Specifications) == 0 {
		return nil, nil, fmt.Errorf("specification set contains no specification")
	}
	xs := set.Specifications[0]

	s := &Specification{
		ID: ID{
			Identifier: xs.MetaData.Identifier,
			Version:    xs.MetaData.Version,
			URI:        xs.URI,
		},
		Nets:   map[string]*Net{},
		Atomic: map[string]*AtomicDecomposition{},
		Source: append([]byte(nil), data...),
	}

	var parseDiags []Diagnostic
	fatal := func(element, format string, args ...any) {
		parseDiags = append(parseDiags, Diagnostic{Severity: Fatal, Element: element, Message: fmt.Sprintf(format, args...)})
	}

	for _, xd := range xs.Decompositions {
		if xd.Process == nil {
			s.Atomic[xd.ID] = &AtomicDecomposition{ID: xd.ID}
			continue
		}

		net := &Net{ID: xd.ID}
		for _, v := range xd.Variables {
			net.Variables = append(net.Variables, Variable{Name: v.Name, Type: v.Type, Initial: v.Initial})
		}

		in := xd.Process.InputCondition
		out := xd.Process.OutputCondition
		if in.ID == "" {
			fatal(xd.ID, "net is missing an input condition")
		} else {
			net.Conditions = append(net.Conditions, &Condition{ID: in.ID, Kind: InputCondition})
			net.Flows = append(net.Flows, conditionFlows(in)...)
		}
		if out.ID == "" {
			fatal(xd.ID, "net is missing an output condition")
		} else {
			net.Conditions = append(net.Conditions, &Condition{ID: out.ID, Kind: OutputCondition})
		}
		for _, xc := range xd.Process.Conditions {
			net.Conditions = append(net.Conditions, &Condition{ID: xc.ID, Kind: NormalCondition})
			net.Flows = append(net.Flows, conditionFlows(xc)...)
		}

		for _, xt := range xd.Process.Tasks {
			task, flows, diags := parseTask(xt)
			parseDiags = append(parseDiags, diags...)
			net.Tasks = append(net.Tasks, task)
			net.Flows = append(net.Flows, flows...)
		}

		s.Nets[xd.ID] = net
		if xd.IsRootNet {
			if s.RootNet != "" {
				fatal(xd.ID, "more than one root net declared")
			}
			s.RootNet = xd.ID
		}
	}

	finalDiags := s.Finalise()
	return s, append(parseDiags, finalDiags...), nil
}

func conditionFlows(xc xmlCondition) []*Flow {
	var flows []*Flow
	for _, fi := range xc.FlowsInto {
		flows = append(flows, &Flow{Source: xc.ID, Target: fi.Next.ID})
	}
	return flows
}

func parseTask(xt xmlTask) (*Task, []*Flow, []Diagnostic) {
	var diags []Diagnostic
	fatal := func(format string, args ...any) {
		diags = append(diags, Diagnostic{Severity: Fatal, Element: xt.ID, Message: fmt.Sprintf(format, args...)})
	}

	task := &Task{
		ID:         xt.ID,
		Name:       xt.Name,
		Skippable:  xt.Skippable,
		RetryLimit: xt.Retries,
	}

	var err error
	if task.Join, err = ParseGate(xt.Join.Code); err != nil {
		fatal("invalid join: %v", err)
	}
	if task.Split, err = ParseGate(xt.Split.Code); err != nil {
		fatal("invalid split: %v", err)
	}

	for _, ref := range xt.RemovesTokens {
		task.CancelSet = append(task.CancelSet, ref.ID)
	}
	if xt.DecomposesTo != nil {
		task.DecompositionID = xt.DecomposesTo.ID
	}

	if xt.Timer != nil {
		d, err := time.ParseDuration(xt.Timer.Duration)
		if err != nil {
			fatal("invalid timer duration %q: %v", xt.Timer.Duration, err)
		} else {
			task.SLA = d
		}
	}

	if xt.MultiInstance != nil {
		xm := xt.MultiInstance
		mi := &MultiInstance{Min: xm.Minimum, Max: xm.Maximum, Threshold: xm.Threshold}
		switch xm.CreationMode.Code {
		case "static", "":
			mi.CreationMode = CreationStatic
		case "dynamic":
			mi.CreationMode = CreationDynamic
		default:
			fatal("unknown creation mode %q", xm.CreationMode.Code)
		}
		if xm.MIDataInput != nil {
			mi.CountQuery = xm.MIDataInput.Expression.Query
		}
		task.MI = mi
	}

	if xt.Starting != nil {
		for _, m := range xt.Starting.Mappings {
			task.InputMappings = append(task.InputMappings, Mapping{Query: m.Expression.Query, MapsTo: m.MapsTo})
		}
	}
	if xt.Completed != nil {
		for _, m := range xt.Completed.Mappings {
			task.OutputMappings = append(task.OutputMappings, Mapping{Query: m.Expression.Query, MapsTo: m.MapsTo})
		}
	}

	var flows []*Flow
	for i, fi := range xt.FlowsInto {
		flow := &Flow{Source: xt.ID, Target: fi.Next.ID, Ordering: i}
		if fi.Predicate != nil {
			flow.Predicate = fi.Predicate.Value
			if fi.Predicate.Ordering != nil {
				flow.Ordering = *fi.Predicate.Ordering
			}
		}
		if fi.IsDefault != nil {
			flow.IsDefault = true
			if fi.Predicate == nil || fi.Predicate.Ordering == nil {
				flow.Ordering = defaultBranchOrdering
			}
		}
		flows = append(flows, flow)
	}

	return task, flows, diags
}
