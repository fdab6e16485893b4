package catalog

import (
	"github.com/testwell/testwell/pkg/money"
)

type Category string

const (
	CategoryGeneral   Category = "general_health"
	CategoryHeart     Category = "heart_health"
	CategoryDiabetes  Category = "diabetes"
	CategoryHormones  Category = "hormones"
	CategoryNutrition Category = "nutrition"
	CategorySexual    Category = "sexual_health"
)

// Test is one orderable lab test. Definitions are static and priced in
// minor units.
type Test struct {
	ID             string      `json:"id"`
	Slug           string      `json:"slug"`
	Name           string      `json:"name"`
	Category       Category    `json:"category"`
	Description    string      `json:"description"`
	Price          money.Cents `json:"price"`
	Specimen       string      `json:"specimen"`
	Fasting        bool        `json:"fasting_required"`
	TurnaroundDays int         `json:"turnaround_days"`
	Biomarkers     []string    `json:"biomarkers,omitempty"`
}

// DefaultTests is the storefront's catalog.
var DefaultTests = []Test{
	{
		ID: "cbc", Slug: "complete-blood-count", Name: "Complete Blood Count (CBC)",
		Category: CategoryGeneral, Price: 1999, Specimen: "blood", TurnaroundDays: 2,
		Description: "Measures red and white blood cells, hemoglobin and platelets.",
		Biomarkers:  []string{"WBC", "RBC", "Hemoglobin", "Hematocrit", "Platelets"},
	},
	{
		ID: "lipid-panel", Slug: "lipid-panel", Name: "Lipid Panel",
		Category: CategoryHeart, Price: 2999, Specimen: "blood", Fasting: true, TurnaroundDays: 2,
		Description: "Cholesterol and triglycerides for cardiovascular risk.",
		Biomarkers:  []string{"Total Cholesterol", "LDL", "HDL", "Triglycerides"},
	},
	{
		ID: "cmp", Slug: "comprehensive-metabolic-panel", Name: "Comprehensive Metabolic Panel",
		Category: CategoryGeneral, Price: 2499, Specimen: "blood", Fasting: true, TurnaroundDays: 2,
		Description: "Kidney and liver function, electrolytes and blood glucose.",
		Biomarkers:  []string{"Glucose", "Calcium", "Sodium", "Potassium", "ALT", "AST", "Creatinine"},
	},
	{
		ID: "hba1c", Slug: "hemoglobin-a1c", Name: "Hemoglobin A1c",
		Category: CategoryDiabetes, Price: 3499, Specimen: "blood", TurnaroundDays: 3,
		Description: "Average blood sugar over the past three months.",
		Biomarkers:  []string{"HbA1c"},
	},
	{
		ID: "tsh", Slug: "thyroid-stimulating-hormone", Name: "Thyroid Stimulating Hormone (TSH)",
		Category: CategoryHormones, Price: 2999, Specimen: "blood", TurnaroundDays: 3,
		Description: "Screens for an over- or underactive thyroid.",
		Biomarkers:  []string{"TSH"},
	},
	{
		ID: "vitamin-d", Slug: "vitamin-d", Name: "Vitamin D, 25-Hydroxy",
		Category: CategoryNutrition, Price: 4999, Specimen: "blood", TurnaroundDays: 4,
		Description: "Checks vitamin D levels for bone and immune health.",
		Biomarkers:  []string{"25-OH Vitamin D"},
	},
	{
		ID: "testosterone", Slug: "testosterone-total", Name: "Testosterone, Total",
		Category: CategoryHormones, Price: 3999, Specimen: "blood", TurnaroundDays: 3,
		Description: "Total testosterone level.",
		Biomarkers:  []string{"Testosterone"},
	},
	{
		ID: "sti-basic", Slug: "sti-basic-panel", Name: "Basic STI Panel",
		Category: CategorySexual, Price: 8999, Specimen: "urine", TurnaroundDays: 5,
		Description: "Chlamydia and gonorrhea by urine NAAT.",
		Biomarkers:  []string{"Chlamydia trachomatis", "Neisseria gonorrhoeae"},
	},
}
