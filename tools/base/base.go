package base

// Category groups tools in listings.
type Category string

const (
	CategoryMarket    Category = "market"
	CategoryTechnical Category = "technical"
	CategoryNews      Category = "news"
	CategoryBacktest  Category = "backtest"
	CategoryMeta      Category = "meta"
)

// BaseTool provides common functionality for tools
type BaseTool struct {
	ToolName     string
	ToolDesc     string
	ToolCategory Category
}

// Name returns the tool name
func (b *BaseTool) Name() string {
	return b.ToolName
}

// Description returns the tool description
func (b *BaseTool) Description() string {
	return b.ToolDesc
}

// Category returns the listing group, "market" when unset.
func (b *BaseTool) Category() Category {
	if b.ToolCategory == "" {
		return CategoryMarket
	}
	return b.ToolCategory
}
