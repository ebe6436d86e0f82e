package coordinator

// StepDef describes one step of a saga definition: where its command goes
// and what undoes it. An empty CompensationCommand means the step has no
// remote effect worth undoing.
type StepDef struct {
	Name                string
	TargetService       string
	CommandTopic        string
	Command             string
	CompensationCommand string
}

// Definition is an ordered set of steps. Saga definitions are registered in
// code by the initiating side; steps are not discovered dynamically.
type Definition struct {
	Name  string
	Steps []StepDef
}

func (d Definition) indexOf(stepName string) int {
	for i, s := range d.Steps {
		if s.Name == stepName {
			return i
		}
	}
	return -1
}

func (d Definition) step(stepName string) *StepDef {
	if i := d.indexOf(stepName); i >= 0 {
		return &d.Steps[i]
	}
	return nil
}

// Registry holds the saga definitions this deployment can start.
type Registry map[string]Definition

func (r Registry) Add(def Definition) { r[def.Name] = def }

// DefaultRegistry ships the campaign launch workflow: commission terms are
// configured first, then the affiliate search is started. Failing the second
// step unconfigures the commissions; failing the first leaves nothing to
// undo.
func DefaultRegistry() Registry {
	r := Registry{}
	r.Add(Definition{
		Name: "campaign_launch",
		Steps: []StepDef{
			{
				Name:                "configure_commissions",
				TargetService:       "commission-service",
				CommandTopic:        "commission.commands",
				Command:             "configure_commissions",
				CompensationCommand: "unconfigure_commissions",
			},
			{
				Name:                "search_affiliates",
				TargetService:       "affiliate-service",
				CommandTopic:        "affiliate.commands",
				Command:             "search_affiliates",
				CompensationCommand: "cancel_search",
			},
		},
	})
	return r
}
