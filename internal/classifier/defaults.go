package classifier

// DefaultTable returns the stock classification for CAD part-design work.
func DefaultTable() Table {
	return NewTable(defaultAPIOnly, defaultVisionOnly, defaultHybrid)
}

var defaultAPIOnly = []string{
	// geometry
	"create_part", "create_new_part",
	"create_sketch", "create_rectangle", "create_rectangle_sketch",
	"create_pad", "create_extrude", "create_fillet",
	"create_chamfer", "create_plane", "create_point",
	"create_line", "create_circle", "create_spline",
	// boolean
	"boolean_join", "boolean_split", "boolean_trim",
	"join_surfaces", "split_geometry",
	// transforms
	"mirror", "symmetry", "translate", "rotate", "scale",
	// parameters
	"set_parameter", "get_parameter", "get_part_info",
	// files
	"save_part", "export_part",
}

var defaultVisionOnly = []string{
	// GUI interaction
	"click_toolbar", "click_menu", "click_button",
	"handle_dialog", "dismiss_dialog", "confirm_dialog",
	"select_tree_node", "expand_tree_node",
	"drag_drop", "drag_element",
	"custom_macro", "run_macro",
	"select_from_dropdown", "input_dialog_text",
	// detection
	"detect_ui_elements", "capture_screen",
	"find_element", "wait_for_element",
}

var defaultHybrid = []string{
	"open_file", "close_file", "new_document",
	"undo", "redo",
	"zoom_fit", "zoom_in", "zoom_out",
	"select_body", "select_feature",
}
