package registry

// registerBuiltins registers the built-in node types.
// Called once by Global() during singleton initialization.
func registerBuiltins(r *Registry) {
	r.Register(NodeTypeDef{
		Type:        "input",
		Category:    "io",
		DisplayName: "Input",
		Description: "Emit a value from the execution context (property \"key\", default \"message\")",
		Slots: SlotSchema{
			Outputs: []SlotDef{{Name: "value", Type: SlotTypeAny}},
		},
	})

	r.Register(NodeTypeDef{
		Type:        "output",
		Category:    "io",
		DisplayName: "Output",
		Description: "Collect the value arriving on its input as a run result",
		Slots: SlotSchema{
			Inputs: []SlotDef{{Name: "value", Type: SlotTypeAny}},
		},
	})

	r.Register(NodeTypeDef{
		Type:        "constant",
		Category:    "data",
		DisplayName: "Constant",
		Description: "Emit the \"value\" property unchanged",
		Slots: SlotSchema{
			Outputs: []SlotDef{{Name: "value", Type: SlotTypeAny}},
		},
	})

	r.Register(NodeTypeDef{
		Type:        "concat",
		Category:    "data",
		DisplayName: "Concatenate",
		Description: "Join two strings with the \"separator\" property",
		Slots: SlotSchema{
			Inputs: []SlotDef{
				{Name: "a", Type: "string"},
				{Name: "b", Type: "string"},
			},
			Outputs: []SlotDef{{Name: "text", Type: "string"}},
		},
	})

	r.Register(NodeTypeDef{
		Type:        "template",
		Category:    "data",
		DisplayName: "Template",
		Description: "Render the \"template\" property, replacing {{input}} with the input value",
		Slots: SlotSchema{
			Inputs:  []SlotDef{{Name: "input", Type: SlotTypeAny}},
			Outputs: []SlotDef{{Name: "text", Type: "string"}},
		},
	})

	r.Register(NodeTypeDef{
		Type:        "passthrough",
		Category:    "control",
		DisplayName: "Passthrough",
		Description: "Forward its input unchanged",
		Slots: SlotSchema{
			Inputs:  []SlotDef{{Name: "in", Type: SlotTypeAny}},
			Outputs: []SlotDef{{Name: "out", Type: SlotTypeAny}},
		},
	})
}
