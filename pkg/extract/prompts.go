package extract

// extractSystemPrompt drives the first pass: line items, prices, and buyer
// contact info from the card description.
const extractSystemPrompt = `Extract line items from signage orders. For each card return JSON:
{"card_id":"...", "items":[{"qty":1, "price":100.00, "price_type":"total", "desc":"item description"}], "buyer_name":"...", "buyer_email":"..."}

price_type: "per_unit" if price has "ea"/"each", otherwise "total".
Return JSON array, one object per card.`

// enrichSystemPrompt drives the second pass: business line, material and
// dimensions per line item.
const enrichSystemPrompt = `Classify line items from a signage company.

For each line item, determine:

1. **business_line** - Choose ONE:
   - "Signage" - Signs, banners, decals, vehicle wraps, channel letters, pylons, ACP panels, coroplast, building signage, vinyl graphics
   - "Printing" - Business cards, flyers, brochures, booklets, invoices, forms, apparel printing, promotional items, labels
   - "Engraving" - Engraved plaques, nameplates, trophies, awards, laser-cut items, etched materials

2. **material** - Extract the material (e.g., "Aluminum", "Acrylic", "Vinyl", "Coroplast", "14PT Coated", "ACP", "Foamcore") or null

3. **dimensions** - Extract dimensions as string (e.g., "36x24", "3.5x2", "96x48") or null

Return JSON array matching input order:
[{"business_line": "Signage", "material": "Vinyl", "dimensions": "36x24"}, ...]`
